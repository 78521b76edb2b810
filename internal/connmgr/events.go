package connmgr

import (
	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/device"
)

// HandleEvent applies one transport event. Events for the same device must be
// delivered in the order the transport produced them; Run does this.
func (m *Manager) HandleEvent(ev ble.Event) {
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	if ev.Kind == ble.EventValue {
		m.deliverValue(ev)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Kind {
	case ble.EventDiscovered:
		m.onDiscoveredLocked(ev)
	case ble.EventConnected:
		m.onConnectedLocked(ev)
	case ble.EventConnectFailed:
		m.onConnectFailedLocked(ev)
	case ble.EventDisconnected:
		m.onDisconnectedLocked(ev)
	case ble.EventServices:
		m.onServicesLocked(ev)
	case ble.EventCharacteristics:
		m.onCharacteristicsLocked(ev)
	case ble.EventNotifyState:
		m.onNotifyStateLocked(ev)
	case ble.EventScanStopped:
		if ev.Err != nil {
			m.logger.Warn("[CONN] scan stopped", "error", ev.Err)
		} else {
			m.logger.Debug("[CONN] scan stopped")
		}
	}
}

func (m *Manager) onDiscoveredLocked(ev ble.Event) {
	if !m.advertisesProfile(ev.Services) {
		return
	}
	id := ev.Device
	dev := m.registry.UpsertFromDiscovery(id, ev.Name)
	m.registry.SetRSSI(id, ev.RSSI)
	paired := m.pairing != nil && m.pairing.IsPaired(id)
	m.registry.SetPaired(id, paired)

	if dev.State != device.StateDisconnected {
		return
	}
	l := m.links[id]
	if l != nil && (l.active || l.manualOnly || l.retry != nil) {
		return
	}

	var err error
	switch {
	case paired && m.opts.AutoConnectPaired:
		err = m.beginLocked(id, true, false)
	case !paired && m.opts.ValidateDiscovered && (l == nil || !l.probed):
		err = m.beginLocked(id, false, false)
	}
	if err != nil {
		m.logger.Warn("[CONN] auto-connect failed", "device", id, "error", err)
	}
}

func (m *Manager) advertisesProfile(services []string) bool {
	for _, s := range services {
		if m.profile.HasService(s) {
			return true
		}
	}
	return false
}

func (m *Manager) onConnectedLocked(ev ble.Event) {
	id := ev.Device
	l, ok := m.links[id]
	if !ok || !l.active {
		if ok && l.connected {
			return
		}
		// The attempt ended before the link came up.
		m.logger.Debug("[CONN] late connect, closing link", "device", id)
		if !ok {
			if err := m.transport.CancelConnect(id); err != nil {
				m.logger.Warn("[CONN] cancel connect failed", "device", id, "error", err)
			}
			return
		}
		l.connected = true
		l.closing = true
		m.cancelLinkLocked(id, l)
		return
	}
	if l.dialDeferred {
		// Still the previous link; this attempt has not dialled yet.
		return
	}
	dev, _ := m.registry.Get(id)
	if dev.State != device.StateConnecting {
		return
	}

	l.connected = true
	m.registry.Touch(id)
	m.setStateLocked(id, device.StateValidating, "")
	if err := m.transport.DiscoverServices(id, m.profile.AllServiceUUIDs()); err != nil {
		m.failLocked(id, l, ReasonTransport, err)
	}
}

func (m *Manager) onConnectFailedLocked(ev ble.Event) {
	l, ok := m.links[ev.Device]
	if !ok || !l.active {
		return
	}
	m.failLocked(ev.Device, l, ReasonTransport, ev.Err)
}

func (m *Manager) onDisconnectedLocked(ev ble.Event) {
	id := ev.Device
	l, ok := m.links[id]
	if !ok {
		return
	}
	if l.teardownPending {
		// The link this manager cancelled is gone. An attempt started since
		// then is unaffected and may now dial.
		l.teardownPending = false
		if l.dialDeferred {
			l.dialDeferred = false
			l.connected = false
			if err := m.dialLocked(id, l); err != nil {
				m.logger.Warn("[CONN] connect failed", "device", id, "error", err)
			}
			return
		}
		if l.active {
			return
		}
	}
	wasConnected := l.connected
	l.connected = false
	dev, ok := m.registry.Get(id)
	if !ok {
		return
	}

	switch {
	case l.active:
		m.failLocked(id, l, ReasonDisconnected, ev.Err)
	case l.closing:
		l.closing = false
		l.notifying = make(map[string]bool)
		m.setStateLocked(id, device.StateDisconnected, FailureReason(dev.Reason))
	case dev.State == device.StateConnected:
		m.dropConnectedLocked(id, l, ReasonDisconnected, ev.Err)
	case dev.State == device.StateValidationFailed:
		m.setStateLocked(id, device.StateDisconnected, FailureReason(dev.Reason))
	default:
		if wasConnected {
			m.logger.Debug("[CONN] disconnected", "device", id)
		}
	}
}

// activeValidatingLocked returns the link whose attempt is awaiting discovery
// results, or nil.
func (m *Manager) activeValidatingLocked(id ble.DeviceID) *link {
	l, ok := m.links[id]
	if !ok || !l.active || l.record == nil {
		return nil
	}
	dev, _ := m.registry.Get(id)
	if dev.State != device.StateValidating {
		return nil
	}
	return l
}

func (m *Manager) onServicesLocked(ev ble.Event) {
	id := ev.Device
	l := m.activeValidatingLocked(id)
	if l == nil || l.record.servicesDone {
		return
	}
	if ev.Err != nil {
		m.failLocked(id, l, ReasonTransport, ev.Err)
		return
	}
	rec := l.record
	rec.servicesDone = true
	for _, s := range ev.Services {
		rec.gatt.AddService(s)
	}
	m.registry.Touch(id)

	required := m.profile.AllServiceUUIDs()
	for _, svc := range required {
		if _, ok := rec.gatt.Services[svc]; !ok {
			// A required service is absent; the verdict cannot change.
			m.evaluateLocked(id, l)
			return
		}
	}
	for _, svc := range required {
		if chars := m.profile.CharacteristicUUIDs(svc); len(chars) > 0 {
			rec.pending[svc] = true
		}
	}
	if len(rec.pending) == 0 {
		m.evaluateLocked(id, l)
		return
	}
	for _, svc := range required {
		if !rec.pending[svc] {
			continue
		}
		if err := m.transport.DiscoverCharacteristics(id, svc, m.profile.CharacteristicUUIDs(svc)); err != nil {
			m.failLocked(id, l, ReasonTransport, err)
			return
		}
	}
}

func (m *Manager) onCharacteristicsLocked(ev ble.Event) {
	id := ev.Device
	l := m.activeValidatingLocked(id)
	if l == nil {
		return
	}
	rec := l.record
	svc := ble.NormalizeUUID(ev.Service)
	if !rec.pending[svc] {
		return
	}
	if ev.Err != nil {
		m.failLocked(id, l, ReasonTransport, ev.Err)
		return
	}
	for _, c := range ev.Characteristics {
		rec.gatt.AddCharacteristic(svc, c)
	}
	delete(rec.pending, svc)
	m.registry.Touch(id)
	if len(rec.pending) == 0 {
		m.evaluateLocked(id, l)
	}
}

func (m *Manager) onNotifyStateLocked(ev ble.Event) {
	id := ev.Device
	l, ok := m.links[id]
	if !ok || l.closing {
		return
	}
	dev, _ := m.registry.Get(id)
	if dev.State != device.StateConnected {
		return
	}
	c := ble.NormalizeUUID(ev.Characteristic)
	if ev.Err != nil || !ev.Notifying {
		if !l.notifying[c] {
			return
		}
		delete(l.notifying, c)
		m.dropConnectedLocked(id, l, ReasonNotifyLost, ev.Err)
		return
	}
	l.notifying[c] = true
	m.registry.Touch(id)
}

// deliverValue forwards a value to the handler outside the manager lock.
func (m *Manager) deliverValue(ev ble.Event) {
	id := ev.Device
	c := ble.NormalizeUUID(ev.Characteristic)

	m.mu.Lock()
	l, ok := m.links[id]
	dev, known := m.registry.Get(id)
	accept := ok && known && !l.closing &&
		(dev.State == device.StateConnected || dev.State == device.StateValidated)
	handler := m.onValue
	if accept && ev.Err == nil {
		m.registry.MarkSeen(id)
	}
	m.mu.Unlock()

	if ev.Err != nil {
		m.logger.Warn("[CONN] characteristic error", "device", id, "characteristic", c, "error", ev.Err)
		return
	}
	if !accept {
		m.logger.Debug("[CONN] value ignored", "device", id, "characteristic", c)
		return
	}
	if handler != nil {
		handler(id, c, ev.Data, ev.Time)
	}
}

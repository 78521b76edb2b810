package connmgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/ble/profile"
	"github.com/chaz8081/sensorscope/internal/device"
)

func newValidationRecord() *validationRecord {
	return &validationRecord{
		gatt:    profile.NewGattStructure(),
		pending: make(map[string]bool),
	}
}

// beginLocked starts a fresh attempt with a new id, record and timer.
// retry marks attempts started by the reconnect backoff.
func (m *Manager) beginLocked(id ble.DeviceID, main, retry bool) error {
	l := m.linkLocked(id)
	if l.active {
		if main && !l.main {
			l.main = true
			m.logger.Info("[CONN] probe promoted to main connection", "device", id, "attempt", l.attempt)
			return nil
		}
		return fmt.Errorf("%w: %s (attempt %d)", ErrAttemptInFlight, id, l.attempt)
	}

	dev := m.registry.Ensure(id)
	switch dev.State {
	case device.StateConnected:
		return nil
	case device.StateDisconnecting:
		return fmt.Errorf("%w: %s is disconnecting", ErrAttemptInFlight, id)
	}

	m.stopRetryLocked(l)
	if !retry {
		l.reconnecting = false
		l.retries = 0
	}
	if !main {
		l.probed = true
	}

	m.nextAttempt++
	attempt := m.nextAttempt
	l.attempt = attempt
	l.active = true
	l.main = main
	l.record = newValidationRecord()
	l.connected = false
	l.closing = false
	l.dialDeferred = false
	l.notifying = make(map[string]bool)
	l.writable = make(map[string]bool)
	l.timer = m.clock.AfterFunc(m.opts.ValidationTimeout, func() {
		// Fake clocks invoke AfterFunc callbacks while holding their own
		// lock, so expire on a separate goroutine.
		go m.expire(id, attempt)
	})

	m.setStateLocked(id, device.StateConnecting, "")
	m.logger.Info("[CONN] connecting", "device", id, "attempt", attempt, "main", main)

	if l.teardownPending {
		l.dialDeferred = true
		m.logger.Debug("[CONN] waiting for previous link to close", "device", id, "attempt", attempt)
		return nil
	}
	return m.dialLocked(id, l)
}

// dialLocked asks the transport to open the link for the in-flight attempt.
func (m *Manager) dialLocked(id ble.DeviceID, l *link) error {
	if err := m.transport.Connect(id); err != nil {
		m.failLocked(id, l, ReasonTransport, err)
		return fmt.Errorf("connmgr: connect %s: %w", id, err)
	}
	return nil
}

// cancelLinkLocked asks the transport to drop the link. A live link stays
// pending until its Disconnected event arrives.
func (m *Manager) cancelLinkLocked(id ble.DeviceID, l *link) {
	if err := m.transport.CancelConnect(id); err != nil {
		m.logger.Warn("[CONN] cancel connect failed", "device", id, "error", err)
		return
	}
	if l.connected {
		l.teardownPending = true
	}
}

// expire is the validation timer callback. It only acts if attempt is still
// the device's in-flight attempt.
func (m *Manager) expire(id ble.DeviceID, attempt uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok || !l.active || l.attempt != attempt {
		m.logger.Debug("[CONN] stale validation timer ignored", "device", id, "attempt", attempt)
		return
	}
	l.timer = nil
	if l.dialDeferred {
		// The previous link never reported closing; stop waiting for it.
		l.teardownPending = false
	}
	m.failLocked(id, l, ReasonTimeout, nil)
}

// failLocked ends the in-flight attempt as ValidationFailed and forces the
// transport link down.
func (m *Manager) failLocked(id ble.DeviceID, l *link, reason FailureReason, err error) {
	m.stopTimerLocked(l)
	l.active = false
	l.dialDeferred = false
	l.record = nil
	l.manualOnly = true
	m.setStateLocked(id, device.StateValidationFailed, reason)

	attrs := []any{"device", id, "attempt", l.attempt, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Warn("[CONN] validation failed", attrs...)

	m.unsubscribeLocked(id, l)
	m.cancelLinkLocked(id, l)

	if l.reconnecting && reason != ReasonMismatch {
		m.scheduleRetryLocked(id, l)
	} else {
		l.reconnecting = false
	}
}

// evaluateLocked runs the validation engine once discovery is complete.
func (m *Manager) evaluateLocked(id ble.DeviceID, l *link) {
	check := profile.Validate
	if m.opts.RequireProperties {
		check = profile.ValidateStrict
	}
	if !check(m.profile, l.record.gatt) {
		missing := profile.Missing(m.profile, l.record.gatt, m.opts.RequireProperties)
		m.failLocked(id, l, ReasonMismatch, fmt.Errorf("missing %s", strings.Join(missing, ", ")))
		return
	}
	m.succeedLocked(id, l)
}

// succeedLocked commits a positive verdict: probes are recorded and closed,
// main connections have their characteristics set up and become Connected.
func (m *Manager) succeedLocked(id ble.DeviceID, l *link) {
	m.stopTimerLocked(l)
	l.active = false
	l.record = nil
	m.setStateLocked(id, device.StateValidated, "")
	m.registry.Touch(id)

	if m.pairing != nil {
		if err := m.pairing.MarkPaired(id); err != nil {
			m.logger.Warn("[CONN] failed to persist pairing", "device", id, "error", err)
		}
	}
	m.registry.SetPaired(id, true)

	if !l.main {
		m.logger.Info("[CONN] probe validated, closing link", "device", id, "attempt", l.attempt)
		m.teardownLocked(id, l, "")
		return
	}

	for _, svc := range m.profile.Services() {
		for _, spec := range svc.Characteristics {
			for _, action := range spec.Actions() {
				m.setupLocked(id, l, spec.UUID, action)
			}
		}
	}

	l.retries = 0
	l.reconnecting = false
	l.manualOnly = false
	m.setStateLocked(id, device.StateConnected, "")
	m.logger.Info("[CONN] connected", "device", id, "attempt", l.attempt)
}

func (m *Manager) setupLocked(id ble.DeviceID, l *link, characteristic string, action profile.Action) {
	var err error
	switch action {
	case profile.ActionSubscribe:
		l.notifying[characteristic] = true
		err = m.transport.SetNotify(id, characteristic, true)
	case profile.ActionRead:
		err = m.transport.Read(id, characteristic)
	case profile.ActionWritable:
		l.writable[characteristic] = true
	}
	if err != nil {
		m.logger.Warn("[CONN] characteristic setup failed", "device", id,
			"characteristic", characteristic, "action", action, "error", err)
	}
}

// teardownLocked closes the link on request: Disconnecting until the
// transport confirms, or straight to Disconnected if no link was open.
func (m *Manager) teardownLocked(id ble.DeviceID, l *link, reason FailureReason) {
	m.stopTimerLocked(l)
	l.active = false
	l.dialDeferred = false
	l.record = nil

	m.setStateLocked(id, device.StateDisconnecting, reason)
	m.unsubscribeLocked(id, l)
	m.cancelLinkLocked(id, l)

	if !l.connected {
		l.closing = false
		m.setStateLocked(id, device.StateDisconnected, reason)
		return
	}
	l.closing = true
}

// dropConnectedLocked handles the loss of a Connected link that the
// transport may still consider open.
func (m *Manager) dropConnectedLocked(id ble.DeviceID, l *link, reason FailureReason, err error) {
	attrs := []any{"device", id, "reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	m.logger.Warn("[CONN] connection lost", attrs...)

	if l.connected {
		m.unsubscribeLocked(id, l)
		m.cancelLinkLocked(id, l)
		l.closing = true
	}
	l.notifying = make(map[string]bool)
	m.setStateLocked(id, device.StateDisconnected, reason)

	if l.main {
		m.scheduleRetryLocked(id, l)
	}
}

// unsubscribeLocked disables every notification requested on the link, in
// profile order.
func (m *Manager) unsubscribeLocked(id ble.DeviceID, l *link) {
	if l.connected {
		for _, svc := range m.profile.Services() {
			for _, spec := range svc.Characteristics {
				if !l.notifying[spec.UUID] {
					continue
				}
				if err := m.transport.SetNotify(id, spec.UUID, false); err != nil {
					m.logger.Warn("[CONN] unsubscribe failed", "device", id,
						"characteristic", spec.UUID, "error", err)
				}
			}
		}
	}
	l.notifying = make(map[string]bool)
}

func (m *Manager) stopTimerLocked(l *link) {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// scheduleRetryLocked arms the reconnect backoff for a lost main connection.
func (m *Manager) scheduleRetryLocked(id ble.DeviceID, l *link) {
	if !m.opts.Reconnect {
		return
	}
	m.stopRetryLocked(l)
	delay := backoffDelay(l.retries, m.opts.ReconnectMax)
	l.retries++
	l.reconnecting = true
	gen := l.attempt
	l.retry = m.clock.AfterFunc(delay, func() {
		go m.retryConnect(id, gen)
	})
	m.logger.Info("[CONN] reconnect backoff", "device", id, "attempt", l.retries, "delay", delay)
}

func (m *Manager) retryConnect(id ble.DeviceID, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok || !l.reconnecting || l.active || l.attempt != gen {
		return
	}
	l.retry = nil
	if err := m.beginLocked(id, true, true); err != nil {
		m.logger.Warn("[CONN] reconnect failed", "device", id, "error", err)
	}
}

func (m *Manager) stopRetryLocked(l *link) {
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 1<<31 seconds already exceeds any sensible cap; larger shifts overflow.
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// ErrNotConnected is returned for operations on a device without an open link.
var ErrNotConnected = errors.New("ble: device not connected")

const (
	eventBuffer = 256
	opBuffer    = 64
	readBuffer  = 512
)

// TinyGoTransport implements Transport on top of tinygo-org/bluetooth.
// tinygo's calls block, so each one runs on a per-device worker goroutine
// and its outcome is published as an Event. Per-device operations complete
// in the order they were issued.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	events  chan Event
	logger  *slog.Logger

	// mu protects links, cancelled and scanCancel.
	mu         sync.Mutex
	links      map[DeviceID]*tinygoLink // keyed by device address string
	cancelled  map[DeviceID]bool        // connects aborted before completion
	scanCancel context.CancelFunc
}

type tinygoLink struct {
	device   bluetooth.Device
	services map[string]bluetooth.DeviceService
	chars    map[string]bluetooth.DeviceCharacteristic
	ops      chan func()
	done     chan struct{}
	once     sync.Once
}

// NewTinyGoTransport creates a transport over the default adapter.
// Call Enable before any other method.
func NewTinyGoTransport(logger *slog.Logger) *TinyGoTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoTransport{
		adapter:   bluetooth.DefaultAdapter,
		events:    make(chan Event, eventBuffer),
		logger:    logger,
		links:     make(map[DeviceID]*tinygoLink),
		cancelled: make(map[DeviceID]bool),
	}
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

// Enable powers on the adapter and installs the link-loss handler.
func (t *TinyGoTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// tinygo reports peripheral-initiated disconnects through the
	// adapter-level handler with connected=false.
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := DeviceID(device.Address.String())
		if t.dropLink(id) {
			t.emit(Event{Kind: EventDisconnected, Device: id, Err: errors.New("ble: link lost")})
		}
	})
	return nil
}

func (t *TinyGoTransport) Events() <-chan Event {
	return t.events
}

func (t *TinyGoTransport) Scan(ctx context.Context, serviceFilter []string) error {
	filter := make([]bluetooth.UUID, 0, len(serviceFilter))
	for _, s := range serviceFilter {
		u, err := bluetooth.ParseUUID(NormalizeUUID(s))
		if err != nil {
			return fmt.Errorf("ble: parse service UUID: %w", err)
		}
		filter = append(filter, u)
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.scanCancel != nil {
		t.mu.Unlock()
		cancel()
		return errors.New("ble: scan already in progress")
	}
	t.scanCancel = cancel
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = t.adapter.StopScan()
	}()

	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			var advertised []string
			for _, u := range filter {
				if result.HasServiceUUID(u) {
					advertised = append(advertised, NormalizeUUID(u.String()))
				}
			}
			if len(filter) > 0 && len(advertised) == 0 {
				return
			}
			t.emit(Event{
				Kind:     EventDiscovered,
				Device:   DeviceID(result.Address.String()),
				Name:     result.LocalName(),
				RSSI:     int(result.RSSI),
				Services: advertised,
			})
		})
		cancel()
		t.mu.Lock()
		t.scanCancel = nil
		t.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			err = fmt.Errorf("ble: scan: %w", err)
		} else {
			err = nil
		}
		t.emit(Event{Kind: EventScanStopped, Err: err})
	}()
	return nil
}

func (t *TinyGoTransport) StopScan() error {
	t.mu.Lock()
	cancel := t.scanCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (t *TinyGoTransport) Connect(id DeviceID) error {
	t.mu.Lock()
	if _, ok := t.links[id]; ok {
		t.mu.Unlock()
		go t.emit(Event{Kind: EventConnected, Device: id})
		return nil
	}
	delete(t.cancelled, id)
	t.mu.Unlock()

	go func() {
		var addr bluetooth.Address
		addr.Set(string(id))
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		cancelled := t.cancelled[id]
		delete(t.cancelled, id)
		if err == nil && !cancelled {
			link := &tinygoLink{
				device:   device,
				services: make(map[string]bluetooth.DeviceService),
				chars:    make(map[string]bluetooth.DeviceCharacteristic),
				ops:      make(chan func(), opBuffer),
				done:     make(chan struct{}),
			}
			t.links[id] = link
			go link.run()
		}
		t.mu.Unlock()

		switch {
		case err != nil:
			t.emit(Event{Kind: EventConnectFailed, Device: id, Err: fmt.Errorf("ble: connect to %s: %w", id, err)})
		case cancelled:
			t.logger.Debug("[BLE] connect completed after cancel, disconnecting", "device", id)
			_ = device.Disconnect()
		default:
			t.emit(Event{Kind: EventConnected, Device: id})
		}
	}()
	return nil
}

func (t *TinyGoTransport) CancelConnect(id DeviceID) error {
	t.mu.Lock()
	link, ok := t.links[id]
	if !ok {
		t.cancelled[id] = true
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.enqueue(link, func() {
		if !t.dropLink(id) {
			return
		}
		err := link.device.Disconnect()
		if err != nil {
			err = fmt.Errorf("ble: disconnect %s: %w", id, err)
		}
		t.emit(Event{Kind: EventDisconnected, Device: id, Err: err})
	})
	return nil
}

func (t *TinyGoTransport) DiscoverServices(id DeviceID, uuids []string) error {
	link, err := t.link(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	t.enqueue(link, func() {
		svcs, err := link.device.DiscoverServices(filter)
		if err != nil {
			t.emit(Event{Kind: EventServices, Device: id, Err: fmt.Errorf("ble: discover services: %w", err)})
			return
		}
		found := make([]string, 0, len(svcs))
		for _, svc := range svcs {
			key := NormalizeUUID(svc.UUID().String())
			link.services[key] = svc
			found = append(found, key)
		}
		t.emit(Event{Kind: EventServices, Device: id, Services: found})
	})
	return nil
}

func (t *TinyGoTransport) DiscoverCharacteristics(id DeviceID, service string, uuids []string) error {
	link, err := t.link(id)
	if err != nil {
		return err
	}
	filter, err := parseUUIDs(uuids)
	if err != nil {
		return err
	}
	service = NormalizeUUID(service)
	t.enqueue(link, func() {
		svc, ok := link.services[service]
		if !ok {
			t.emit(Event{Kind: EventCharacteristics, Device: id, Service: service,
				Err: fmt.Errorf("ble: service %s not discovered", service)})
			return
		}
		chars, err := svc.DiscoverCharacteristics(filter)
		if err != nil {
			t.emit(Event{Kind: EventCharacteristics, Device: id, Service: service,
				Err: fmt.Errorf("ble: discover characteristics: %w", err)})
			return
		}
		infos := make([]CharacteristicInfo, 0, len(chars))
		for _, c := range chars {
			key := NormalizeUUID(c.UUID().String())
			link.chars[key] = c
			// tinygo does not expose characteristic properties on every platform.
			infos = append(infos, CharacteristicInfo{UUID: key})
		}
		t.emit(Event{Kind: EventCharacteristics, Device: id, Service: service, Characteristics: infos})
	})
	return nil
}

func (t *TinyGoTransport) SetNotify(id DeviceID, characteristic string, enabled bool) error {
	link, err := t.link(id)
	if err != nil {
		return err
	}
	characteristic = NormalizeUUID(characteristic)
	t.enqueue(link, func() {
		c, ok := link.chars[characteristic]
		if !ok {
			t.emit(Event{Kind: EventNotifyState, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: characteristic %s not discovered", characteristic)})
			return
		}
		var cb func([]byte)
		if enabled {
			cb = func(buf []byte) {
				data := make([]byte, len(buf))
				copy(data, buf)
				t.emitValue(Event{Kind: EventValue, Device: id, Characteristic: characteristic, Data: data})
			}
		}
		if err := c.EnableNotifications(cb); err != nil {
			t.emit(Event{Kind: EventNotifyState, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: set notify: %w", err)})
			return
		}
		t.emit(Event{Kind: EventNotifyState, Device: id, Characteristic: characteristic, Notifying: enabled})
	})
	return nil
}

func (t *TinyGoTransport) Read(id DeviceID, characteristic string) error {
	link, err := t.link(id)
	if err != nil {
		return err
	}
	characteristic = NormalizeUUID(characteristic)
	t.enqueue(link, func() {
		c, ok := link.chars[characteristic]
		if !ok {
			t.emit(Event{Kind: EventValue, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: characteristic %s not discovered", characteristic)})
			return
		}
		buf := make([]byte, readBuffer)
		n, err := c.Read(buf)
		if err != nil {
			t.emit(Event{Kind: EventValue, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: read: %w", err)})
			return
		}
		t.emit(Event{Kind: EventValue, Device: id, Characteristic: characteristic, Data: buf[:n]})
	})
	return nil
}

func (t *TinyGoTransport) Write(id DeviceID, characteristic string, data []byte) error {
	link, err := t.link(id)
	if err != nil {
		return err
	}
	characteristic = NormalizeUUID(characteristic)
	payload := make([]byte, len(data))
	copy(payload, data)
	t.enqueue(link, func() {
		c, ok := link.chars[characteristic]
		if !ok {
			t.emit(Event{Kind: EventValue, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: characteristic %s not discovered", characteristic)})
			return
		}
		if _, err := c.WriteWithoutResponse(payload); err != nil {
			t.emit(Event{Kind: EventValue, Device: id, Characteristic: characteristic,
				Err: fmt.Errorf("ble: write: %w", err)})
		}
	})
	return nil
}

func (t *TinyGoTransport) link(id DeviceID) (*tinygoLink, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return link, nil
}

// dropLink forgets the link for id, stopping its worker. Reports whether a
// link was present.
func (t *TinyGoTransport) dropLink(id DeviceID) bool {
	t.mu.Lock()
	link, ok := t.links[id]
	delete(t.links, id)
	t.mu.Unlock()
	if ok {
		link.once.Do(func() { close(link.done) })
	}
	return ok
}

// enqueue hands op to the link worker without blocking the caller. Only an
// overflowing queue falls back to a goroutine, which may reorder that op.
func (t *TinyGoTransport) enqueue(link *tinygoLink, op func()) {
	select {
	case link.ops <- op:
	case <-link.done:
	default:
		t.logger.Warn("[BLE] operation queue full")
		go func() {
			select {
			case link.ops <- op:
			case <-link.done:
			}
		}()
	}
}

func (l *tinygoLink) run() {
	for {
		select {
		case op := <-l.ops:
			op()
		case <-l.done:
			return
		}
	}
}

func (t *TinyGoTransport) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	t.events <- ev
}

// emitValue never blocks the radio callback; a full queue drops the sample.
func (t *TinyGoTransport) emitValue(ev Event) {
	ev.Time = time.Now()
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("[BLE] event queue full, dropping notification", "device", ev.Device)
	}
}

func parseUUIDs(in []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(in))
	for _, s := range in {
		u, err := bluetooth.ParseUUID(NormalizeUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

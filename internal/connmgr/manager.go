// Package connmgr drives the per-device connection state machine: it opens
// transport links, validates the peripheral's GATT structure against the
// profile within a bounded time, sets up characteristics on success and tears
// links down on failure or request.
//
// All state lives in a Manager and is mutated only while holding its mutex,
// so transport events, API calls and timer expiries for the same device are
// serialised.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/ble/profile"
	"github.com/chaz8081/sensorscope/internal/device"
)

var (
	ErrUnknownDevice   = errors.New("connmgr: unknown device")
	ErrAttemptInFlight = errors.New("connmgr: connection attempt already in flight")
	ErrNotConnected    = errors.New("connmgr: device not connected")
	ErrNotWritable     = errors.New("connmgr: characteristic not writable")
)

// FailureReason is recorded on the Device when an attempt or link ends
// abnormally.
type FailureReason string

const (
	ReasonTimeout      FailureReason = "timeout"
	ReasonMismatch     FailureReason = "mismatch"
	ReasonTransport    FailureReason = "transport"
	ReasonDisconnected FailureReason = "disconnected"
	ReasonNotifyLost   FailureReason = "notify-lost"
	ReasonCancelled    FailureReason = "cancelled"
)

// PairingRegistry is the persistent store of previously paired devices.
type PairingRegistry interface {
	ListPaired() []ble.DeviceID
	MarkPaired(id ble.DeviceID) error
	IsPaired(id ble.DeviceID) bool
}

// ValueHandler receives characteristic values from validated devices.
type ValueHandler func(id ble.DeviceID, characteristic string, data []byte, at time.Time)

// Options configures the Manager.
type Options struct {
	ValidationTimeout time.Duration // bound on connect + discovery + validation
	// AutoConnectPaired opens a main connection to paired devices seen while scanning.
	AutoConnectPaired bool
	// ValidateDiscovered probes unpaired devices seen while scanning.
	ValidateDiscovered bool
	// RequireProperties makes validation also compare characteristic properties.
	RequireProperties bool
	// Reconnect re-opens lost main connections with exponential backoff.
	Reconnect    bool
	ReconnectMax time.Duration // backoff cap
	// MaxWriteBytes bounds each transport write; longer payloads are chunked.
	MaxWriteBytes int
	Logger        *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ValidationTimeout:  8 * time.Second,
		AutoConnectPaired:  true,
		ValidateDiscovered: true,
		ReconnectMax:       30 * time.Second,
		MaxWriteBytes:      ble.DefaultMaxWriteBytes,
	}
}

// Manager owns the connection state machines of all devices.
type Manager struct {
	transport ble.Transport
	registry  *device.Registry
	profile   *profile.Profile
	pairing   PairingRegistry
	clock     clock.WithDelayedExecution
	opts      Options
	logger    *slog.Logger
	onValue   ValueHandler

	mu          sync.Mutex
	links       map[ble.DeviceID]*link
	nextAttempt uint64
}

// link is the per-device state the registry does not expose.
type link struct {
	// attempt is the id of the most recent attempt; active is true until
	// that attempt reaches a terminal state.
	attempt uint64
	active  bool
	main    bool
	record  *validationRecord
	timer   clock.Timer

	connected bool // transport reported the link up
	closing   bool // explicit teardown in progress
	// teardownPending is set once CancelConnect was issued on a live link
	// and cleared by that link's Disconnected event. An attempt started in
	// between holds its dial (dialDeferred) until the old link is gone.
	teardownPending bool
	dialDeferred    bool
	probed          bool // a validation-only attempt ran this session
	// manualOnly suppresses auto-connect after an explicit disconnect or a
	// failed attempt until the next explicit Connect or Probe.
	manualOnly bool
	notifying map[string]bool
	writable  map[string]bool

	reconnecting bool
	retries      int
	retry        clock.Timer
}

// validationRecord accumulates discovery results for one attempt.
type validationRecord struct {
	gatt         profile.GattStructure
	servicesDone bool
	pending      map[string]bool // services awaiting characteristic discovery
}

// NewManager wires a Manager. pairing may be nil. A nil clock uses the wall
// clock.
func NewManager(transport ble.Transport, registry *device.Registry, p *profile.Profile,
	pairing PairingRegistry, clk clock.WithDelayedExecution, opts Options) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = 8 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxWriteBytes <= 0 {
		opts.MaxWriteBytes = ble.DefaultMaxWriteBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transport: transport,
		registry:  registry,
		profile:   p,
		pairing:   pairing,
		clock:     clk,
		opts:      opts,
		logger:    logger,
		links:     make(map[ble.DeviceID]*link),
	}
}

// SetValueHandler installs the sink for characteristic values. Call before Run.
func (m *Manager) SetValueHandler(h ValueHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValue = h
}

// Run dispatches transport events in arrival order until ctx is done or the
// event channel closes. On return every link is torn down.
func (m *Manager) Run(ctx context.Context) error {
	events := m.transport.Events()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				m.Close()
				return nil
			}
			m.HandleEvent(ev)
		}
	}
}

// Scan starts discovery filtered on the profile's services.
func (m *Manager) Scan(ctx context.Context) error {
	if err := m.transport.Scan(ctx, m.profile.AllServiceUUIDs()); err != nil {
		return fmt.Errorf("connmgr: scan: %w", err)
	}
	return nil
}

// Connect starts a main (functional) connection. If a validation-only
// attempt is in flight for the device it is promoted instead; any other
// in-flight attempt yields ErrAttemptInFlight.
func (m *Manager) Connect(id ble.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkLocked(id).manualOnly = false
	return m.beginLocked(id, true, false)
}

// Probe opens a validation-only connection: the verdict is recorded and the
// link is closed regardless of outcome unless promoted before the verdict.
func (m *Manager) Probe(id ble.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkLocked(id).manualOnly = false
	return m.beginLocked(id, false, false)
}

// Promote turns the in-flight validation-only attempt for id into the main
// connection.
func (m *Manager) Promote(id ble.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok || !l.active {
		return fmt.Errorf("%w: no attempt for %s", ErrNotConnected, id)
	}
	if !l.main {
		l.main = true
		m.logger.Info("[CONN] probe promoted to main connection", "device", id, "attempt", l.attempt)
	}
	return nil
}

// ConnectPaired starts main connections to every paired device that is not
// already connected or connecting.
func (m *Manager) ConnectPaired() error {
	if m.pairing == nil {
		return nil
	}
	var errs []error
	for _, id := range m.pairing.ListPaired() {
		m.registry.Ensure(id)
		m.registry.SetPaired(id, true)
		err := m.Connect(id)
		if err != nil && !errors.Is(err, ErrAttemptInFlight) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect tears down the device's link or in-flight attempt. Disconnecting
// an idle device is a no-op.
func (m *Manager) Disconnect(id ble.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	l := m.linkLocked(id)
	m.stopRetryLocked(l)
	l.reconnecting = false
	l.manualOnly = true

	switch dev.State {
	case device.StateConnecting, device.StateValidating, device.StateValidated, device.StateConnected:
		m.teardownLocked(id, l, ReasonCancelled)
	}
	return nil
}

// Close disconnects every device and cancels all timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.links {
		m.stopRetryLocked(l)
		l.reconnecting = false
		dev, ok := m.registry.Get(id)
		if ok && (dev.State.Active() || dev.State == device.StateConnected) {
			m.teardownLocked(id, l, ReasonCancelled)
		}
	}
}

// Read requests a characteristic read; the value arrives via the ValueHandler.
func (m *Manager) Read(id ble.DeviceID, characteristic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireConnectedLocked(id); err != nil {
		return err
	}
	return m.transport.Read(id, ble.NormalizeUUID(characteristic))
}

// Write sends data to a characteristic the profile marks writable, split
// into MaxWriteBytes chunks.
func (m *Manager) Write(id ble.DeviceID, characteristic string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireConnectedLocked(id); err != nil {
		return err
	}
	characteristic = ble.NormalizeUUID(characteristic)
	if !m.links[id].writable[characteristic] {
		return fmt.Errorf("%w: %s", ErrNotWritable, characteristic)
	}
	for _, chunk := range ble.ChunkPayload(data, m.opts.MaxWriteBytes) {
		if err := m.transport.Write(id, characteristic, chunk); err != nil {
			return fmt.Errorf("connmgr: write %s: %w", characteristic, err)
		}
	}
	return nil
}

// Writable lists the characteristics noted as writable for a connected device.
func (m *Manager) Writable(id ble.DeviceID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return nil
	}
	var out []string
	for _, c := range m.profile.Services() {
		for _, spec := range c.Characteristics {
			if l.writable[spec.UUID] {
				out = append(out, spec.UUID)
			}
		}
	}
	return out
}

// Attempt returns the current attempt id for id and whether it is still in
// flight.
func (m *Manager) Attempt(id ble.DeviceID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[id]
	if !ok {
		return 0, false
	}
	return l.attempt, l.active
}

func (m *Manager) requireConnectedLocked(id ble.DeviceID) error {
	dev, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	if dev.State != device.StateConnected {
		return fmt.Errorf("%w: %s is %s", ErrNotConnected, id, dev.State)
	}
	return nil
}

func (m *Manager) linkLocked(id ble.DeviceID) *link {
	l, ok := m.links[id]
	if !ok {
		l = &link{}
		m.links[id] = l
	}
	return l
}

func (m *Manager) setStateLocked(id ble.DeviceID, state device.State, reason FailureReason) {
	m.registry.SetState(id, state, string(reason))
	m.logger.Debug("[CONN] state", "device", id, "state", state, "reason", reason)
}

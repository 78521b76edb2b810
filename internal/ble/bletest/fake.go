// Package bletest provides an in-memory ble.Transport for tests.
package bletest

import (
	"context"
	"sync"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// Call records one invocation on the fake transport.
type Call struct {
	Op             string
	Device         ble.DeviceID
	Service        string
	Characteristic string
	UUIDs          []string
	Enabled        bool
	Data           []byte
}

// Transport records calls and lets tests inject events. It never emits
// events on its own.
type Transport struct {
	mu     sync.Mutex
	calls  []Call
	events chan ble.Event

	// ConnectErr, when set, is returned synchronously by Connect.
	ConnectErr error
}

// NewTransport creates a fake transport with a buffered event channel.
func NewTransport() *Transport {
	return &Transport{events: make(chan ble.Event, 64)}
}

var _ ble.Transport = (*Transport)(nil)

func (f *Transport) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *Transport) Events() <-chan ble.Event { return f.events }

func (f *Transport) Scan(_ context.Context, filter []string) error {
	f.record(Call{Op: "scan", UUIDs: append([]string(nil), filter...)})
	return nil
}

func (f *Transport) StopScan() error {
	f.record(Call{Op: "stop-scan"})
	return nil
}

func (f *Transport) Connect(id ble.DeviceID) error {
	f.record(Call{Op: "connect", Device: id})
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectErr
}

func (f *Transport) CancelConnect(id ble.DeviceID) error {
	f.record(Call{Op: "cancel-connect", Device: id})
	return nil
}

func (f *Transport) DiscoverServices(id ble.DeviceID, uuids []string) error {
	f.record(Call{Op: "discover-services", Device: id, UUIDs: append([]string(nil), uuids...)})
	return nil
}

func (f *Transport) DiscoverCharacteristics(id ble.DeviceID, service string, uuids []string) error {
	f.record(Call{Op: "discover-characteristics", Device: id, Service: service, UUIDs: append([]string(nil), uuids...)})
	return nil
}

func (f *Transport) SetNotify(id ble.DeviceID, characteristic string, enabled bool) error {
	f.record(Call{Op: "set-notify", Device: id, Characteristic: characteristic, Enabled: enabled})
	return nil
}

func (f *Transport) Read(id ble.DeviceID, characteristic string) error {
	f.record(Call{Op: "read", Device: id, Characteristic: characteristic})
	return nil
}

func (f *Transport) Write(id ble.DeviceID, characteristic string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.record(Call{Op: "write", Device: id, Characteristic: characteristic, Data: cp})
	return nil
}

// Emit queues an event for whoever is consuming Events.
func (f *Transport) Emit(ev ble.Event) {
	f.events <- ev
}

// Calls returns a copy of every recorded call.
func (f *Transport) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded calls with the given op.
func (f *Transport) CallsFor(op string) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Transport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

package device

import (
	"sort"
	"sync"

	"k8s.io/utils/clock"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// Registry maps device identities to Device records. It is safe for
// concurrent use; only the connection manager should call SetState.
type Registry struct {
	clock clock.PassiveClock

	mu        sync.RWMutex
	devices   map[ble.DeviceID]*Device
	observers map[int]chan Device
	nextObs   int
}

// NewRegistry creates an empty registry. A nil clock uses the wall clock.
func NewRegistry(clk clock.PassiveClock) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		clock:     clk,
		devices:   make(map[ble.DeviceID]*Device),
		observers: make(map[int]chan Device),
	}
}

// UpsertFromDiscovery creates the device on first sight. Existing records
// keep their identity and name; only LastSeen is refreshed, except that a
// real name replaces the UnknownName placeholder.
func (r *Registry) UpsertFromDiscovery(id ble.DeviceID, name string) Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	d, ok := r.devices[id]
	if !ok {
		if name == "" {
			name = UnknownName
		}
		d = &Device{ID: id, Name: name, State: StateDisconnected, DateAdded: now, LastSeen: now}
		r.devices[id] = d
	} else {
		if d.Name == UnknownName && name != "" {
			d.Name = name
		}
		d.LastSeen = now
	}
	return r.publishLocked(d)
}

// Ensure returns the device, creating a nameless record for identities known
// only from the pairing registry.
func (r *Registry) Ensure(id ble.DeviceID) Device {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok {
		snap := d.snapshot()
		r.mu.Unlock()
		return snap
	}
	r.mu.Unlock()
	return r.UpsertFromDiscovery(id, "")
}

// SetState records a state transition. Returns false for unknown devices.
func (r *Registry) SetState(id ble.DeviceID, state State, reason string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	d.State = state
	d.Reason = reason
	return r.publishLocked(d), true
}

// Touch refreshes LastSeen after a successful interaction.
func (r *Registry) Touch(id ble.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = r.clock.Now()
		r.publishLocked(d)
	}
}

// MarkSeen refreshes LastSeen without notifying. Use it for value traffic,
// where a snapshot per notification would crowd state changes out of
// observer buffers.
func (r *Registry) MarkSeen(id ble.DeviceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = r.clock.Now()
	}
}

// SetPaired records the pairing flag mirrored from the pairing registry.
func (r *Registry) SetPaired(id ble.DeviceID, paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok && d.Paired != paired {
		d.Paired = paired
		r.publishLocked(d)
	}
}

// SetRSSI records the last advertised signal strength without notifying.
func (r *Registry) SetRSSI(id ble.DeviceID, rssi int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.RSSI = rssi
	}
}

// Get returns a snapshot of one device.
func (r *Registry) Get(id ble.DeviceID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.snapshot(), true
}

// Snapshot returns every device ordered by DateAdded, then ID.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateAdded.Equal(out[j].DateAdded) {
			return out[i].DateAdded.Before(out[j].DateAdded)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe returns a channel receiving a snapshot after every change, and a
// cancel func that closes it. Slow observers miss updates rather than
// blocking the registry.
func (r *Registry) Subscribe(buffer int) (<-chan Device, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Device, buffer)

	r.mu.Lock()
	key := r.nextObs
	r.nextObs++
	r.observers[key] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, key)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (r *Registry) publishLocked(d *Device) Device {
	snap := d.snapshot()
	for _, ch := range r.observers {
		select {
		case ch <- snap:
		default:
		}
	}
	return snap
}

func (d *Device) snapshot() Device {
	snap := *d
	snap.StateName = d.State.String()
	return snap
}

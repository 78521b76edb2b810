package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func TestUpsertFromDiscoveryCreates(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(epoch)
	r := NewRegistry(clk)

	d := r.UpsertFromDiscovery("AA:BB:CC:DD:EE:01", "Sensor-1")
	assert.Equal(t, "Sensor-1", d.Name)
	assert.Equal(t, StateDisconnected, d.State)
	assert.Equal(t, epoch, d.DateAdded)
	assert.Equal(t, epoch, d.LastSeen)
}

func TestUpsertFromDiscoveryIsIdempotent(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(epoch)
	r := NewRegistry(clk)

	r.UpsertFromDiscovery("D1", "First")
	clk.SetTime(epoch.Add(time.Minute))
	d := r.UpsertFromDiscovery("D1", "Renamed")

	assert.Equal(t, "First", d.Name, "existing name must be kept")
	assert.Equal(t, epoch, d.DateAdded)
	assert.Equal(t, epoch.Add(time.Minute), d.LastSeen)
	assert.Len(t, r.Snapshot(), 1)
}

func TestUpsertDefaultsName(t *testing.T) {
	r := NewRegistry(nil)
	d := r.UpsertFromDiscovery("D1", "")
	assert.Equal(t, UnknownName, d.Name)

	d = r.UpsertFromDiscovery("D1", "Named Later")
	assert.Equal(t, "Named Later", d.Name)
}

func TestEnsureCreatesOnce(t *testing.T) {
	r := NewRegistry(clocktesting.NewFakePassiveClock(epoch))
	d := r.Ensure("D1")
	assert.Equal(t, UnknownName, d.Name)

	r.SetState("D1", StateConnected, "")
	d = r.Ensure("D1")
	assert.Equal(t, StateConnected, d.State)
}

func TestSetStateUnknownDevice(t *testing.T) {
	r := NewRegistry(nil)
	_, ok := r.SetState("missing", StateConnecting, "")
	assert.False(t, ok)
}

func TestSetStateRecordsReason(t *testing.T) {
	r := NewRegistry(nil)
	r.UpsertFromDiscovery("D1", "x")

	d, ok := r.SetState("D1", StateValidationFailed, "timeout")
	require.True(t, ok)
	assert.Equal(t, StateValidationFailed, d.State)
	assert.Equal(t, "timeout", d.Reason)
	assert.Equal(t, "validation-failed", d.StateName)
}

func TestSnapshotOrderedByDateAdded(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(epoch)
	r := NewRegistry(clk)
	r.UpsertFromDiscovery("B", "")
	clk.SetTime(epoch.Add(time.Second))
	r.UpsertFromDiscovery("A", "")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "B", string(snap[0].ID))
	assert.Equal(t, "A", string(snap[1].ID))
}

func TestTouchAndPaired(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(epoch)
	r := NewRegistry(clk)
	r.UpsertFromDiscovery("D1", "")

	clk.SetTime(epoch.Add(time.Hour))
	r.Touch("D1")
	r.SetPaired("D1", true)
	r.SetRSSI("D1", -60)

	d, ok := r.Get("D1")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Hour), d.LastSeen)
	assert.True(t, d.Paired)
	assert.Equal(t, -60, d.RSSI)
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	r := NewRegistry(nil)
	updates, cancel := r.Subscribe(8)
	defer cancel()

	r.UpsertFromDiscovery("D1", "")
	r.SetState("D1", StateConnecting, "")
	r.SetState("D1", StateValidating, "")

	var states []State
	for i := 0; i < 3; i++ {
		states = append(states, (<-updates).State)
	}
	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateValidating}, states)
}

func TestSubscribeSlowObserverDoesNotBlock(t *testing.T) {
	r := NewRegistry(nil)
	_, cancel := r.Subscribe(1)
	defer cancel()

	r.UpsertFromDiscovery("D1", "")
	for i := 0; i < 10; i++ {
		r.SetState("D1", StateConnecting, "")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	r := NewRegistry(nil)
	updates, cancel := r.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-updates
	assert.False(t, ok)
	r.UpsertFromDiscovery("D1", "") // must not panic on closed channel
}

func TestStateActive(t *testing.T) {
	assert.True(t, StateConnecting.Active())
	assert.True(t, StateValidated.Active())
	assert.False(t, StateConnected.Active())
	assert.False(t, StateValidationFailed.Active())
	assert.Equal(t, "unknown", State(42).String())
}

func TestMarkSeenDoesNotNotify(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(epoch)
	r := NewRegistry(clk)
	r.UpsertFromDiscovery("D1", "")
	updates, cancel := r.Subscribe(4)
	defer cancel()

	clk.SetTime(epoch.Add(time.Minute))
	for i := 0; i < 100; i++ {
		r.MarkSeen("D1")
	}
	r.SetState("D1", StateConnected, "")

	d, ok := r.Get("D1")
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), d.LastSeen)
	require.Len(t, updates, 1)
	assert.Equal(t, StateConnected, (<-updates).State)
}

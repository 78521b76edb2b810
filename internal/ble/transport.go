// Package ble provides the transport capability used to reach wireless sensor
// peripherals: scanning, connecting, GATT discovery, notifications, reads and
// writes. Every operation is fire-and-forget; results are reported later as
// Events on the channel returned by Transport.Events.
package ble

import (
	"context"
	"strings"
)

// DeviceID is the stable hardware identity of a peripheral. On macOS this is
// the CoreBluetooth UUID, on Linux and Windows the MAC address.
type DeviceID string

func (id DeviceID) String() string { return string(id) }

// Property is a bitset of GATT characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteWithoutResponse
	PropNotify
	PropIndicate
)

// Has reports whether all bits of want are set in p.
func (p Property) Has(want Property) bool {
	return p&want == want
}

func (p Property) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	names := []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteWithoutResponse, "write-without-response"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	}
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// CharacteristicInfo describes a characteristic found during discovery.
// Properties is zero when the backend cannot report them.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// Transport abstracts the radio stack for testing.
//
// Methods must not block on radio I/O and must not deliver events
// synchronously; callers may hold locks while invoking them.
type Transport interface {
	// Events returns the channel on which all asynchronous results arrive.
	Events() <-chan Event
	// Scan starts discovery of peripherals advertising any of the given
	// service UUIDs. Scanning stops when ctx is done or StopScan is called.
	Scan(ctx context.Context, serviceFilter []string) error
	// StopScan ends an active scan.
	StopScan() error
	// Connect opens a link to the peripheral. Reports EventConnected or
	// EventConnectFailed.
	Connect(id DeviceID) error
	// CancelConnect aborts a pending connection or tears down an open one.
	CancelConnect(id DeviceID) error
	// DiscoverServices reports EventServices.
	DiscoverServices(id DeviceID, uuids []string) error
	// DiscoverCharacteristics reports EventCharacteristics for one service.
	DiscoverCharacteristics(id DeviceID, service string, uuids []string) error
	// SetNotify enables or disables notifications. Reports EventNotifyState,
	// followed by EventValue for every notification while enabled.
	SetNotify(id DeviceID, characteristic string, enabled bool) error
	// Read reports the value as an EventValue.
	Read(id DeviceID, characteristic string) error
	// Write sends data to the characteristic. Failures are reported as an
	// EventValue carrying the error.
	Write(id DeviceID, characteristic string, data []byte) error
}

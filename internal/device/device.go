// Package device keeps the in-memory registry of known peripherals and their
// connection state, and notifies observers of every change.
package device

import (
	"time"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// UnknownName is the display name of devices that did not advertise one.
const UnknownName = "Unknown Device"

// State is the connection state of a device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateValidating
	StateValidated
	StateConnected
	StateValidationFailed
	StateDisconnecting
)

var stateNames = [...]string{
	StateDisconnected:     "disconnected",
	StateConnecting:       "connecting",
	StateValidating:       "validating",
	StateValidated:        "validated",
	StateConnected:        "connected",
	StateValidationFailed: "validation-failed",
	StateDisconnecting:    "disconnecting",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Active reports whether s belongs to an in-flight connection attempt.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateValidating, StateValidated:
		return true
	}
	return false
}

// Device is a snapshot of a known peripheral.
type Device struct {
	ID        ble.DeviceID `json:"id"`
	Name      string       `json:"name"`
	State     State        `json:"-"`
	StateName string       `json:"state"`
	// Reason explains the last failure or disconnect, empty otherwise.
	Reason    string    `json:"reason,omitempty"`
	Paired    bool      `json:"paired"`
	RSSI      int       `json:"rssi,omitempty"`
	DateAdded time.Time `json:"date_added"`
	LastSeen  time.Time `json:"last_seen"`
}

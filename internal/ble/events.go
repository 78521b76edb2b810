package ble

import "time"

// EventKind identifies the transport callback an Event represents.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServices
	EventCharacteristics
	EventValue
	EventNotifyState
	EventScanStopped
)

var eventKindNames = [...]string{
	EventDiscovered:      "discovered",
	EventConnected:       "connected",
	EventConnectFailed:   "connect-failed",
	EventDisconnected:    "disconnected",
	EventServices:        "services",
	EventCharacteristics: "characteristics",
	EventValue:           "value",
	EventNotifyState:     "notify-state",
	EventScanStopped:     "scan-stopped",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is a single asynchronous result from the transport. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind   EventKind
	Device DeviceID
	Time   time.Time

	// EventDiscovered
	Name string
	RSSI int

	// EventDiscovered: advertised services. EventServices: discovered services.
	Services []string

	// EventCharacteristics
	Service         string
	Characteristics []CharacteristicInfo

	// EventValue, EventNotifyState
	Characteristic string
	Data           []byte
	Notifying      bool

	Err error
}

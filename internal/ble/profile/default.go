package profile

import "github.com/chaz8081/sensorscope/internal/ble"

// Sensor GATT UUIDs
const (
	TelemetryServiceUUID = "7a1e0001-3c2b-4e5f-9a8b-0c1d2e3f4a5b"
	DataCharUUID         = "7a1e0002-3c2b-4e5f-9a8b-0c1d2e3f4a5b"
	InfoCharUUID         = "7a1e0003-3c2b-4e5f-9a8b-0c1d2e3f4a5b"
	ControlCharUUID      = "7a1e0004-3c2b-4e5f-9a8b-0c1d2e3f4a5b"

	BatteryServiceUUID   = "0000180f-0000-1000-8000-00805f9b34fb"
	BatteryLevelCharUUID = "00002a19-0000-1000-8000-00805f9b34fb"
)

var defaultProfile = MustNew(
	Service{
		UUID: TelemetryServiceUUID,
		Name: "telemetry",
		Characteristics: []CharacteristicSpec{
			{UUID: DataCharUUID, Name: "data", Properties: ble.PropNotify, Stream: true},
			{UUID: InfoCharUUID, Name: "info", Properties: ble.PropRead},
			{UUID: ControlCharUUID, Name: "control", Properties: ble.PropWrite},
		},
	},
	Service{
		UUID: BatteryServiceUUID,
		Name: "battery",
		Characteristics: []CharacteristicSpec{
			{UUID: BatteryLevelCharUUID, Name: "level", Properties: ble.PropRead | ble.PropNotify},
		},
	},
)

// Default returns the built-in sensor profile.
func Default() *Profile {
	return defaultProfile
}

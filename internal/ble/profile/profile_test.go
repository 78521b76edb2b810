package profile

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/sensorscope/internal/ble"
)

// fullStructure returns a GATT tree exposing exactly what p requires.
func fullStructure(p *Profile) GattStructure {
	g := NewGattStructure()
	for _, svc := range p.Services() {
		g.AddService(svc.UUID)
		for _, c := range svc.Characteristics {
			g.AddCharacteristic(svc.UUID, ble.CharacteristicInfo{UUID: c.UUID, Properties: c.Properties})
		}
	}
	return g
}

func TestDefaultProfileLookups(t *testing.T) {
	p := Default()

	assert.Equal(t, []string{TelemetryServiceUUID, BatteryServiceUUID}, p.AllServiceUUIDs())
	assert.Equal(t, []string{DataCharUUID, InfoCharUUID, ControlCharUUID}, p.CharacteristicUUIDs(TelemetryServiceUUID))
	assert.Nil(t, p.CharacteristicUUIDs("1234"))
	assert.True(t, p.HasService("180F"))

	spec, ok := p.SpecFor("2A19")
	require.True(t, ok)
	assert.Equal(t, ble.PropRead|ble.PropNotify, spec.Properties)

	svc, err := p.ServiceFor(ControlCharUUID)
	require.NoError(t, err)
	assert.Equal(t, TelemetryServiceUUID, svc)

	_, err = p.ServiceFor("2a00")
	assert.ErrorIs(t, err, ErrUnknownCharacteristic)

	stream, ok := p.StreamCharacteristic()
	require.True(t, ok)
	assert.Equal(t, DataCharUUID, stream)
}

func TestNewRejectsBadTables(t *testing.T) {
	tests := []struct {
		name     string
		services []Service
	}{
		{
			name:     "invalid service uuid",
			services: []Service{{UUID: "nope"}},
		},
		{
			name:     "duplicate service",
			services: []Service{{UUID: "180f"}, {UUID: "0000180F-0000-1000-8000-00805F9B34FB"}},
		},
		{
			name: "duplicate characteristic",
			services: []Service{
				{UUID: "180f", Characteristics: []CharacteristicSpec{{UUID: "2a19"}}},
				{UUID: "180a", Characteristics: []CharacteristicSpec{{UUID: "2a19"}}},
			},
		},
		{
			name: "stream without notify",
			services: []Service{
				{UUID: "180f", Characteristics: []CharacteristicSpec{{UUID: "2a19", Properties: ble.PropRead, Stream: true}}},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.services...)
			assert.Error(t, err)
		})
	}
}

func TestValidateExactMatch(t *testing.T) {
	p := Default()
	assert.True(t, Validate(p, fullStructure(p)))
	assert.True(t, ValidateStrict(p, fullStructure(p)))
}

func TestValidateIgnoresExtras(t *testing.T) {
	p := Default()
	g := fullStructure(p)
	g.AddService("180a")
	g.AddCharacteristic("180a", ble.CharacteristicInfo{UUID: "2a29", Properties: ble.PropRead})
	g.AddCharacteristic(TelemetryServiceUUID, ble.CharacteristicInfo{UUID: "7a1e00ff-3c2b-4e5f-9a8b-0c1d2e3f4a5b"})

	assert.True(t, Validate(p, g))
}

func TestValidateMissingCharacteristic(t *testing.T) {
	p := Default()
	g := fullStructure(p)
	delete(g.Services[TelemetryServiceUUID], ControlCharUUID)

	assert.False(t, Validate(p, g))
	assert.Equal(t, []string{TelemetryServiceUUID + "/" + ControlCharUUID}, Missing(p, g, false))
}

func TestValidateCharacteristicUnderWrongService(t *testing.T) {
	p := Default()
	g := fullStructure(p)
	delete(g.Services[BatteryServiceUUID], BatteryLevelCharUUID)
	g.AddCharacteristic(TelemetryServiceUUID, ble.CharacteristicInfo{UUID: BatteryLevelCharUUID})

	assert.False(t, Validate(p, g))
}

func TestValidateEmptyStructure(t *testing.T) {
	p := Default()
	assert.False(t, Validate(p, NewGattStructure()))
	assert.Equal(t, []string{TelemetryServiceUUID, BatteryServiceUUID}, Missing(p, NewGattStructure(), false))
}

// A characteristic present with fewer properties than required still counts
// for UUID validation, but not for strict validation.
func TestValidatePropertiesOnlyMatterWhenStrict(t *testing.T) {
	p := Default()
	g := fullStructure(p)
	g.Services[TelemetryServiceUUID][DataCharUUID] = ble.PropRead // no notify

	assert.True(t, Validate(p, g))
	assert.False(t, ValidateStrict(p, g))
	assert.Equal(t, []string{TelemetryServiceUUID + "/" + DataCharUUID}, Missing(p, g, true))
}

func TestValidateEmptyProfile(t *testing.T) {
	p := MustNew()
	assert.True(t, Validate(p, NewGattStructure()))
}

// Randomised check of the superset property: removing any required element
// fails validation, adding unrelated elements never does.
func TestValidateSupersetProperty(t *testing.T) {
	p := Default()
	rng := rand.New(rand.NewSource(7))

	type elem struct{ svc, char string }
	var required []elem
	for _, svc := range p.Services() {
		required = append(required, elem{svc: svc.UUID})
		for _, c := range svc.Characteristics {
			required = append(required, elem{svc: svc.UUID, char: c.UUID})
		}
	}

	for i := 0; i < 200; i++ {
		g := fullStructure(p)
		for j := rng.Intn(5); j > 0; j-- {
			extraSvc := ble.NormalizeUUID(string(rune('a'+rng.Intn(6))) + "00" + string(rune('a'+rng.Intn(6))))
			g.AddCharacteristic(extraSvc, ble.CharacteristicInfo{UUID: "2a00"})
		}
		want := true
		if rng.Intn(2) == 0 {
			e := required[rng.Intn(len(required))]
			if e.char == "" {
				delete(g.Services, e.svc)
			} else {
				delete(g.Services[e.svc], e.char)
			}
			want = false
		}
		require.Equal(t, want, Validate(p, g), "iteration %d", i)
	}
}

func TestCharacteristicActions(t *testing.T) {
	tests := []struct {
		props ble.Property
		want  []Action
	}{
		{ble.PropNotify, []Action{ActionSubscribe}},
		{ble.PropRead | ble.PropNotify, []Action{ActionSubscribe}},
		{ble.PropIndicate, []Action{ActionSubscribe}},
		{ble.PropRead, []Action{ActionRead}},
		{ble.PropWrite, []Action{ActionWritable}},
		{ble.PropRead | ble.PropWriteWithoutResponse, []Action{ActionRead, ActionWritable}},
		{0, nil},
	}
	for _, tc := range tests {
		t.Run(tc.props.String(), func(t *testing.T) {
			assert.Equal(t, tc.want, CharacteristicSpec{Properties: tc.props}.Actions())
		})
	}
}

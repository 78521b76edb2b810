package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUUID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "short 16-bit", in: "180F", want: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "hex prefixed", in: "0x2a19", want: "00002a19-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit", in: "0000180a", want: "0000180a-0000-1000-8000-00805f9b34fb"},
		{name: "full upper", in: "7A1E0001-3C2B-4E5F-9A8B-0C1D2E3F4A5B", want: "7a1e0001-3c2b-4e5f-9a8b-0c1d2e3f4a5b"},
		{name: "undashed", in: "a75cc7fcc956488fac2a2dbc08b63a04", want: "a75cc7fc-c956-488f-ac2a-2dbc08b63a04"},
		{name: "garbage", in: "not-a-uuid", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseUUID(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeUUIDFallsBackToLowercase(t *testing.T) {
	assert.Equal(t, "not-a-uuid", NormalizeUUID("  NOT-A-UUID "))
}

func TestPropertyHasAndString(t *testing.T) {
	p := PropRead | PropNotify
	assert.True(t, p.Has(PropNotify))
	assert.True(t, p.Has(PropRead|PropNotify))
	assert.False(t, p.Has(PropWrite))
	assert.Equal(t, "read|notify", p.String())
	assert.Equal(t, "none", Property(0).String())
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "characteristics", EventCharacteristics.String())
	assert.Equal(t, "unknown", EventKind(99).String())
}

package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseUUIDSuffix completes 16- and 32-bit SIG-assigned UUIDs.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ParseUUID returns the canonical lowercase dashed 128-bit form of s.
// 16-bit ("180f") and 32-bit ("0000180f") short forms are expanded
// against the Bluetooth base UUID.
func ParseUUID(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ble: parse uuid %q: %w", s, err)
	}
	return u.String(), nil
}

// NormalizeUUID is ParseUUID for lookups: invalid input is returned
// lowercased and trimmed instead of failing.
func NormalizeUUID(s string) string {
	u, err := ParseUUID(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return u
}

// NormalizeUUIDs applies NormalizeUUID to every element.
func NormalizeUUIDs(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = NormalizeUUID(s)
	}
	return out
}

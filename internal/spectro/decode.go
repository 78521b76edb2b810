// Package spectro turns raw notification payloads into decoded samples, a
// bounded display log, and a rolling magnitude spectrogram.
package spectro

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Decode reads a little-endian signed 32-bit sample from the start of
// payload. Payloads shorter than four bytes are zero-padded; an empty payload
// has no sample.
func Decode(payload []byte) (int32, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	var b [4]byte
	copy(b[:], payload)
	return int32(binary.LittleEndian.Uint32(b[:])), true
}

// FormatHex renders payload for display when it cannot be decoded.
func FormatHex(payload []byte) string {
	if len(payload) == 0 {
		return "hex: (empty)"
	}
	return fmt.Sprintf("hex: % x", payload)
}

// LogEntry is one line of the per-device sample log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Text    string    `json:"text"`
	Value   int32     `json:"value"`
	Numeric bool      `json:"numeric"`
}

// NewLogEntry decodes payload into a log line, falling back to hex.
func NewLogEntry(at time.Time, payload []byte) LogEntry {
	v, ok := Decode(payload)
	if !ok {
		return LogEntry{Time: at, Text: FormatHex(payload)}
	}
	return LogEntry{Time: at, Text: fmt.Sprintf("%d", v), Value: v, Numeric: true}
}

// SampleLog keeps the most recent entries in a fixed-size ring.
type SampleLog struct {
	entries []LogEntry
	start   int
	n       int
}

// DefaultLogSize is the number of entries kept when none is configured.
const DefaultLogSize = 50

func NewSampleLog(size int) *SampleLog {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &SampleLog{entries: make([]LogEntry, size)}
}

// Add appends e, overwriting the oldest entry when full.
func (l *SampleLog) Add(e LogEntry) {
	if l.n < len(l.entries) {
		l.entries[(l.start+l.n)%len(l.entries)] = e
		l.n++
		return
	}
	l.entries[l.start] = e
	l.start = (l.start + 1) % len(l.entries)
}

// Entries returns the kept entries, oldest first.
func (l *SampleLog) Entries() []LogEntry {
	out := make([]LogEntry, l.n)
	for i := range out {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

func (l *SampleLog) Len() int { return l.n }

// Cap is the maximum number of entries kept.
func (l *SampleLog) Cap() int { return len(l.entries) }

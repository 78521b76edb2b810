// Package pairing persists the set of devices that have passed profile
// validation at least once.
package pairing

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"

	"github.com/chaz8081/sensorscope/internal/ble"
)

var ErrNotPaired = errors.New("pairing: device not paired")

// Registry is the store consulted at discovery time and updated on a
// successful validation.
type Registry interface {
	ListPaired() []ble.DeviceID
	MarkPaired(id ble.DeviceID) error
	IsPaired(id ble.DeviceID) bool
	Unpair(id ble.DeviceID) error
}

// PairedDevice is one persisted entry.
type PairedDevice struct {
	ID       ble.DeviceID `yaml:"id"`
	PairedAt time.Time    `yaml:"paired_at"`
}

type fileFormat struct {
	Devices []PairedDevice `yaml:"devices"`
}

// MemoryStore is an in-memory Registry.
type MemoryStore struct {
	clock clock.PassiveClock

	mu      sync.RWMutex
	entries map[ble.DeviceID]time.Time
}

// NewMemoryStore returns a store pre-populated with ids.
func NewMemoryStore(ids ...ble.DeviceID) *MemoryStore {
	s := &MemoryStore{clock: clock.RealClock{}, entries: make(map[ble.DeviceID]time.Time)}
	now := s.clock.Now()
	for _, id := range ids {
		s.entries[id] = now
	}
	return s
}

func (s *MemoryStore) ListPaired() []ble.DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.entries)
}

func (s *MemoryStore) MarkPaired(id ble.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = s.clock.Now()
	}
	return nil
}

func (s *MemoryStore) IsPaired(id ble.DeviceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

func (s *MemoryStore) Unpair(id ble.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotPaired, id)
	}
	delete(s.entries, id)
	return nil
}

// FileStore is a Registry backed by a YAML file. Every mutation rewrites the
// whole file through a temp file and rename.
type FileStore struct {
	path  string
	clock clock.PassiveClock

	mu      sync.RWMutex
	entries map[ble.DeviceID]time.Time
}

// OpenFile loads the store at path. A missing file is an empty store. A nil
// clock uses the wall clock.
func OpenFile(path string, clk clock.PassiveClock) (*FileStore, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &FileStore{path: path, clock: clk, entries: make(map[ble.DeviceID]time.Time)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pairing: reading %s: %w", path, err)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("pairing: parsing %s: %w", path, err)
	}
	for _, d := range f.Devices {
		if d.ID == "" {
			continue
		}
		s.entries[d.ID] = d.PairedAt
	}
	return s, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) ListPaired() []ble.DeviceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedIDs(s.entries)
}

// Entries returns every paired device with its pairing time, ordered by id.
func (s *FileStore) Entries() []PairedDevice {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesLocked()
}

func (s *FileStore) IsPaired(id ble.DeviceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// MarkPaired records id. Re-marking keeps the original paired_at and does
// not touch the file.
func (s *FileStore) MarkPaired(id ble.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return nil
	}
	s.entries[id] = s.clock.Now().UTC()
	if err := s.saveLocked(); err != nil {
		delete(s.entries, id)
		return err
	}
	return nil
}

func (s *FileStore) Unpair(id ble.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotPaired, id)
	}
	delete(s.entries, id)
	if err := s.saveLocked(); err != nil {
		s.entries[id] = at
		return err
	}
	return nil
}

func (s *FileStore) entriesLocked() []PairedDevice {
	out := make([]PairedDevice, 0, len(s.entries))
	for _, id := range sortedIDs(s.entries) {
		out = append(out, PairedDevice{ID: id, PairedAt: s.entries[id]})
	}
	return out
}

func (s *FileStore) saveLocked() error {
	data, err := yaml.Marshal(fileFormat{Devices: s.entriesLocked()})
	if err != nil {
		return fmt.Errorf("pairing: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("pairing: creating dir: %w", err)
	}

	// Write to temp file first, then rename (atomic)
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pairing: writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("pairing: moving file: %w", err)
	}
	return nil
}

func sortedIDs(m map[ble.DeviceID]time.Time) []ble.DeviceID {
	out := make([]ble.DeviceID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

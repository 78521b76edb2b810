// Package recording writes decoded sensor samples to per-session WAV files.
package recording

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"

	"github.com/chaz8081/sensorscope/internal/ble"
)

const (
	bitDepth  = 32
	numChans  = 1
	pcmFormat = 1
)

// Recorder keeps one open WAV session per device. Samples are written as
// mono 32-bit PCM at the configured nominal rate; notify timing is not
// preserved.
type Recorder struct {
	dir        string
	sampleRate int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[ble.DeviceID]*session
}

type session struct {
	path    string
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	started time.Time
	samples int
}

// Session describes a finished or running recording.
type Session struct {
	Device  ble.DeviceID
	Path    string
	Started time.Time
	Samples int
}

// NewRecorder creates a recorder writing into dir. A nil logger uses
// slog.Default().
func NewRecorder(dir string, sampleRate int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		dir:        dir,
		sampleRate: sampleRate,
		logger:     logger,
		sessions:   make(map[ble.DeviceID]*session),
	}
}

// Start opens a new session file for id.
func (r *Recorder) Start(id ble.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return fmt.Errorf("recording: already recording %s", id)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("recording: creating dir: %w", err)
	}

	path := filepath.Join(r.dir, fmt.Sprintf("%s-%s.wav", fileSafe(id), uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recording: creating file: %w", err)
	}

	r.sessions[id] = &session{
		path: path,
		file: f,
		enc:  wav.NewEncoder(f, r.sampleRate, bitDepth, numChans, pcmFormat),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: numChans, SampleRate: r.sampleRate},
			Data:           make([]int, 1),
			SourceBitDepth: bitDepth,
		},
		started: time.Now(),
	}
	r.logger.Info("[REC] recording started", "device", id, "path", path)
	return nil
}

// Write appends one sample to the device's session.
func (r *Recorder) Write(id ble.DeviceID, _ time.Time, sample int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("recording: not recording %s", id)
	}
	s.buf.Data[0] = int(sample)
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("recording: writing sample: %w", err)
	}
	s.samples++
	return nil
}

// Stop finalises the WAV header and closes the file.
func (r *Recorder) Stop(id ble.DeviceID) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("recording: not recording %s", id)
	}
	delete(r.sessions, id)
	return s.summary(id), r.finishLocked(id, s)
}

func (r *Recorder) finishLocked(id ble.DeviceID, s *session) error {
	var errs []error
	if err := s.enc.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recording: finalising %s: %w", s.path, err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("recording: closing %s: %w", s.path, err))
	}
	r.logger.Info("[REC] recording stopped", "device", id, "path", s.path, "samples", s.samples)
	return errors.Join(errs...)
}

// IsRecording returns whether a session is open for id.
func (r *Recorder) IsRecording(id ble.DeviceID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Active lists the open sessions.
func (r *Recorder) Active() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, s.summary(id))
	}
	return out
}

// Close stops every open session.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, s := range r.sessions {
		delete(r.sessions, id)
		if err := r.finishLocked(id, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *session) summary(id ble.DeviceID) Session {
	return Session{Device: id, Path: s.path, Started: s.started, Samples: s.samples}
}

// fileSafe turns a device identity (often a MAC with colons) into a file
// name component.
func fileSafe(id ble.DeviceID) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, string(id))
}

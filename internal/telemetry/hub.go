// Package telemetry attaches a decode and spectrogram pipeline to each
// connected device's stream characteristic and fans the results out to
// optional recording and publishing sinks.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/device"
	"github.com/chaz8081/sensorscope/internal/recording"
	"github.com/chaz8081/sensorscope/internal/spectro"
)

// Recorder persists decoded samples per device session.
type Recorder interface {
	Start(id ble.DeviceID) error
	Write(id ble.DeviceID, at time.Time, sample int32) error
	Stop(id ble.DeviceID) (recording.Session, error)
}

// FramePublisher forwards finished spectrogram frames.
type FramePublisher interface {
	PublishFrame(id ble.DeviceID, at time.Time, seq uint64, magnitudes []float64) error
}

// IngestFunc observes every ingested payload.
type IngestFunc func(id ble.DeviceID, res spectro.Result)

// Options configures a Hub. Recorder, Publisher and OnIngest are optional.
type Options struct {
	Pipeline  spectro.PipelineOptions
	Recorder  Recorder
	Publisher FramePublisher
	OnIngest  IngestFunc
	Logger    *slog.Logger
}

// Hub owns one pipeline per device. Pipelines are never shared between
// devices and are dropped when the device leaves the connected state.
type Hub struct {
	stream string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	channels map[ble.DeviceID]*channel
}

type channel struct {
	pipe      *spectro.Pipeline
	seq       uint64
	recording bool
}

// NewHub creates a hub fed from the characteristic stream.
func NewHub(stream string, opts Options) (*Hub, error) {
	if stream == "" {
		return nil, errors.New("telemetry: no stream characteristic")
	}
	if _, err := spectro.NewPipeline(opts.Pipeline); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Pipeline.Logger == nil {
		opts.Pipeline.Logger = logger
	}
	return &Hub{
		stream:   ble.NormalizeUUID(stream),
		opts:     opts,
		logger:   logger,
		channels: make(map[ble.DeviceID]*channel),
	}, nil
}

// HandleValue ingests a characteristic value. It matches
// connmgr.ValueHandler, which only delivers values of validated devices.
// Values from other characteristics are logged and otherwise ignored.
func (h *Hub) HandleValue(id ble.DeviceID, characteristic string, data []byte, at time.Time) {
	if ble.NormalizeUUID(characteristic) != h.stream {
		h.logger.Debug("[TELEMETRY] value", "device", id, "characteristic", characteristic,
			"text", spectro.NewLogEntry(at, data).Text)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch, err := h.channelLocked(id)
	if err != nil {
		h.logger.Error("[TELEMETRY] pipeline setup failed", "device", id, "error", err)
		return
	}
	res := ch.pipe.Ingest(at, data)

	if ch.recording && res.Entry.Numeric {
		if err := h.opts.Recorder.Write(id, at, res.Entry.Value); err != nil {
			h.logger.Warn("[TELEMETRY] recording write failed", "device", id, "error", err)
		}
	}
	for _, f := range res.Frames {
		ch.seq++
		if h.opts.Publisher == nil {
			continue
		}
		if err := h.opts.Publisher.PublishFrame(id, at, ch.seq, f); err != nil {
			h.logger.Warn("[TELEMETRY] frame publish failed", "device", id, "seq", ch.seq, "error", err)
		}
	}
	if h.opts.OnIngest != nil {
		h.opts.OnIngest(id, res)
	}
}

func (h *Hub) channelLocked(id ble.DeviceID) (*channel, error) {
	if ch, ok := h.channels[id]; ok {
		return ch, nil
	}
	pipe, err := spectro.NewPipeline(h.opts.Pipeline)
	if err != nil {
		return nil, err
	}
	ch := &channel{pipe: pipe}
	if h.opts.Recorder != nil {
		if err := h.opts.Recorder.Start(id); err != nil {
			h.logger.Warn("[TELEMETRY] recording not started", "device", id, "error", err)
		} else {
			ch.recording = true
		}
	}
	h.channels[id] = ch
	h.logger.Info("[TELEMETRY] pipeline attached", "device", id)
	return ch, nil
}

// Watch drops a device's pipeline whenever a registry update shows it is no
// longer connected. It returns when ctx is done or updates closes.
func (h *Hub) Watch(ctx context.Context, updates <-chan device.Device) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-updates:
			if !ok {
				return nil
			}
			if d.State != device.StateConnected && d.State != device.StateValidated {
				h.Drop(d.ID)
			}
		}
	}
}

// Drop detaches id's pipeline and ends its recording session.
func (h *Hub) Drop(id ble.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(id)
}

func (h *Hub) dropLocked(id ble.DeviceID) {
	ch, ok := h.channels[id]
	if !ok {
		return
	}
	delete(h.channels, id)
	stats := ch.pipe.Stats()
	h.logger.Info("[TELEMETRY] pipeline detached", "device", id,
		"payloads", stats.Payloads, "frames", stats.Frames, "fallbacks", stats.Fallbacks)
	if ch.recording {
		if _, err := h.opts.Recorder.Stop(id); err != nil {
			h.logger.Warn("[TELEMETRY] recording stop failed", "device", id, "error", err)
		}
	}
}

// Close detaches every pipeline.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.channels {
		h.dropLocked(id)
	}
}

// Devices lists devices with an attached pipeline.
func (h *Hub) Devices() []ble.DeviceID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ble.DeviceID, 0, len(h.channels))
	for id := range h.channels {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Frames returns a copy of id's retained frames.
func (h *Hub) Frames(id ble.DeviceID) [][]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[id]; ok {
		return ch.pipe.Frames()
	}
	return nil
}

// Log returns id's recent sample log, oldest first.
func (h *Hub) Log(id ble.DeviceID) []spectro.LogEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[id]; ok {
		return ch.pipe.Log()
	}
	return nil
}

// Stats returns id's pipeline counters.
func (h *Hub) Stats(id ble.DeviceID) (spectro.Stats, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[id]; ok {
		return ch.pipe.Stats(), true
	}
	return spectro.Stats{}, false
}

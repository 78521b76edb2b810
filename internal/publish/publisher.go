// Package publish forwards spectrogram frames and device snapshots to NATS
// for downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chaz8081/sensorscope/internal/ble"
	"github.com/chaz8081/sensorscope/internal/device"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// Frame is the wire form of one spectrogram frame.
type Frame struct {
	Device     ble.DeviceID `json:"device"`
	Seq        uint64       `json:"seq"`
	Time       time.Time    `json:"time"`
	Magnitudes []float64    `json:"magnitudes"`
}

// Publisher emits JSON messages on <prefix>.frames.<device> and
// <prefix>.devices.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher wraps conn. A nil logger uses slog.Default().
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// FrameSubject returns the subject frames of id are published on.
func (p *Publisher) FrameSubject(id ble.DeviceID) string {
	return p.prefix + ".frames." + subjectToken(string(id))
}

// DeviceSubject returns the subject device snapshots are published on.
func (p *Publisher) DeviceSubject() string {
	return p.prefix + ".devices"
}

// PublishFrame sends one frame.
func (p *Publisher) PublishFrame(id ble.DeviceID, at time.Time, seq uint64, magnitudes []float64) error {
	data, err := json.Marshal(Frame{Device: id, Seq: seq, Time: at, Magnitudes: magnitudes})
	if err != nil {
		return fmt.Errorf("publish: encoding frame: %w", err)
	}
	if err := p.conn.Publish(p.FrameSubject(id), data); err != nil {
		return fmt.Errorf("publish: frame for %s: %w", id, err)
	}
	return nil
}

// PublishDevice sends a device snapshot.
func (p *Publisher) PublishDevice(d device.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("publish: encoding device: %w", err)
	}
	if err := p.conn.Publish(p.DeviceSubject(), data); err != nil {
		return fmt.Errorf("publish: device %s: %w", d.ID, err)
	}
	return nil
}

// WatchDevices publishes every snapshot from updates until ctx is done or
// updates closes. Publish failures are logged and do not stop the loop.
func (p *Publisher) WatchDevices(ctx context.Context, updates <-chan device.Device) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-updates:
			if !ok {
				return nil
			}
			if err := p.PublishDevice(d); err != nil {
				p.logger.Warn("[PUB] device publish failed", "device", d.ID, "error", err)
			}
		}
	}
}

// Connect dials NATS with reconnect handling that logs through logger.
func Connect(url, name string, logger *slog.Logger, extra ...nats.Option) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("[PUB] NATS error", "error", err)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("[PUB] NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[PUB] NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	opts = append(opts, extra...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("publish: connecting to NATS: %w", err)
	}
	logger.Info("[PUB] connected to NATS", "url", nc.ConnectedUrl())
	return nc, nil
}

// subjectToken makes s usable as a single NATS subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', ':':
			return '_'
		}
		return r
	}, s)
}

package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/sensorscope/internal/device"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.msgs...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishFrame(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "lab.", quietLogger())
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishFrame("AA:BB:CC:DD:EE:01", at, 7, []float64{0.5, 1}))

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "lab.frames.AA_BB_CC_DD_EE_01", msgs[0].subject)

	var f Frame
	require.NoError(t, json.Unmarshal(msgs[0].data, &f))
	assert.Equal(t, uint64(7), f.Seq)
	assert.Equal(t, []float64{0.5, 1}, f.Magnitudes)
	assert.True(t, f.Time.Equal(at))
}

func TestPublishDevice(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "sensorscope", quietLogger())

	d := device.Device{ID: "D1", Name: "Sensor-1", State: device.StateConnected, StateName: "connected", Paired: true}
	require.NoError(t, p.PublishDevice(d))

	msgs := conn.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "sensorscope.devices", msgs[0].subject)

	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].data, &got))
	assert.Equal(t, "connected", got["state"])
	assert.Equal(t, true, got["paired"])
}

func TestPublishErrorsWrapped(t *testing.T) {
	boom := errors.New("nats: connection closed")
	p := NewPublisher(&fakeConn{err: boom}, "x", quietLogger())

	assert.ErrorIs(t, p.PublishFrame("D1", time.Now(), 1, nil), boom)
	assert.ErrorIs(t, p.PublishDevice(device.Device{ID: "D1"}), boom)
}

func TestWatchDevices(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, "s", quietLogger())

	updates := make(chan device.Device, 2)
	updates <- device.Device{ID: "D1"}
	updates <- device.Device{ID: "D2"}
	close(updates)

	require.NoError(t, p.WatchDevices(context.Background(), updates))
	assert.Len(t, conn.messages(), 2)
}

func TestWatchDevicesStopsOnCancel(t *testing.T) {
	p := NewPublisher(&fakeConn{}, "s", quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.WatchDevices(ctx, make(chan device.Device)), context.Canceled)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "a_b_c_d", subjectToken("a.b*c>d"))
	assert.Equal(t, "uuid-like-id", subjectToken("uuid-like-id"))
}

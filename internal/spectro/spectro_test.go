package spectro

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    int32
		ok      bool
	}{
		{"empty", nil, 0, false},
		{"single byte", []byte{0x01}, 1, true},
		{"single high byte is zero-padded", []byte{0xff}, 255, true},
		{"two bytes", []byte{0x02, 0x01}, 258, true},
		{"four bytes", []byte{0x01, 0x00, 0x00, 0x00}, 1, true},
		{"negative", []byte{0xff, 0xff, 0xff, 0xff}, -1, true},
		{"min int32", []byte{0x00, 0x00, 0x00, 0x80}, math.MinInt32, true},
		{"trailing bytes ignored", []byte{0x02, 0x01, 0x00, 0x00, 0x09, 0x09}, 258, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Decode(tt.payload)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatHex(t *testing.T) {
	assert.Equal(t, "hex: de ad be ef", FormatHex([]byte{0xde, 0xad, 0xbe, 0xef}))
	assert.Equal(t, "hex: (empty)", FormatHex(nil))
}

func TestNewLogEntry(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	e := NewLogEntry(at, []byte{0xfe, 0xff, 0xff, 0xff})
	assert.True(t, e.Numeric)
	assert.Equal(t, int32(-2), e.Value)
	assert.Equal(t, "-2", e.Text)
	assert.Equal(t, at, e.Time)

	e = NewLogEntry(at, []byte{})
	assert.False(t, e.Numeric)
	assert.Equal(t, "hex: (empty)", e.Text)
}

func TestSampleLogKeepsNewest(t *testing.T) {
	l := NewSampleLog(0)
	require.Equal(t, DefaultLogSize, l.Cap())

	for i := 0; i < 60; i++ {
		l.Add(LogEntry{Value: int32(i), Numeric: true})
	}
	entries := l.Entries()
	require.Len(t, entries, DefaultLogSize)
	assert.Equal(t, int32(10), entries[0].Value)
	assert.Equal(t, int32(59), entries[len(entries)-1].Value)
}

func TestSampleLogPartial(t *testing.T) {
	l := NewSampleLog(4)
	l.Add(LogEntry{Text: "a"})
	l.Add(LogEntry{Text: "b"})
	assert.Equal(t, 2, l.Len())
	assert.Equal(t, []LogEntry{{Text: "a"}, {Text: "b"}}, l.Entries())
}

func sine(n, cycles int, amplitude float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amplitude * math.Sin(2*math.Pi*float64(cycles)*float64(i)/128)
	}
	return out
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func newSpectrogram(t *testing.T, opts Options) *Spectrogram {
	t.Helper()
	s, err := NewSpectrogram(opts)
	require.NoError(t, err)
	return s
}

func TestSpectrogramOverlapScenario(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())

	assert.Equal(t, 0, s.PushAll(sine(127, 8, 1000)))
	assert.Equal(t, 0, s.Len())

	assert.Equal(t, 1, s.Push(0))
	assert.Equal(t, 64, s.Pending())

	assert.Equal(t, 1, s.PushAll(sine(64, 8, 1000)))
	assert.Equal(t, 2, s.Len(), "192 samples yield two overlapping frames")
	assert.Equal(t, 64, s.Pending())

	for _, f := range s.Frames() {
		require.Len(t, f, 64)
		peak := 0.0
		for _, m := range f {
			assert.GreaterOrEqual(t, m, 0.0)
			assert.LessOrEqual(t, m, 1.0+1e-12)
			peak = math.Max(peak, m)
		}
		assert.InDelta(t, 1.0, peak, 1e-12)
	}
}

func TestSpectrogramPeakBin(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())
	s.PushAll(sine(128, 8, 500))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 8, argmax(latest))
	assert.InDelta(t, 1.0, latest[8], 1e-12)
}

func TestSpectrogramSilentFrame(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())
	s.PushAll(make([]float64, 128))

	latest, ok := s.Latest()
	require.True(t, ok)
	for _, m := range latest {
		assert.False(t, math.IsNaN(m))
		assert.Equal(t, 0.0, m)
	}
}

func TestSpectrogramEvictsOldest(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxFrames = 3
	s := newSpectrogram(t, opts)

	// Each frame gets a distinct dominant bin so order is observable.
	var last []float64
	for k := 1; k <= 6; k++ {
		n := 64
		if k == 1 {
			n = 128
		}
		require.Equal(t, 1, s.PushAll(sine(n, k*4, 100)))
		last, _ = s.Latest()
	}

	assert.Equal(t, 3, s.Len())
	frames := s.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, last, frames[2])
}

func TestSpectrogramBurstEmitsSeveralFrames(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())
	assert.Equal(t, 4, s.PushAll(sine(128+64*3, 3, 10)))
	assert.Equal(t, 64, s.Pending())
}

func TestSpectrogramZeroPadding(t *testing.T) {
	s := newSpectrogram(t, Options{WindowSize: 128, HopSize: 128, FFTSize: 512, MaxFrames: 5})
	s.PushAll(sine(128, 8, 1))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Len(t, latest, 256)
	assert.Equal(t, 32, argmax(latest), "bin scales with fft size")
	assert.Equal(t, 0, s.Pending())
}

func TestSpectrogramFramesAreCopies(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())
	s.PushAll(sine(128, 8, 1))

	frames := s.Frames()
	frames[0][8] = 42
	latest, _ := s.Latest()
	assert.InDelta(t, 1.0, latest[8], 1e-12)
}

func TestSpectrogramReset(t *testing.T) {
	s := newSpectrogram(t, DefaultOptions())
	s.PushAll(sine(150, 8, 1))
	s.Reset()

	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Pending())
	_, ok := s.Latest()
	assert.False(t, ok)
}

func TestSpectrogramInvalidOptions(t *testing.T) {
	bad := []Options{
		{WindowSize: 0, HopSize: 1, FFTSize: 128, MaxFrames: 1},
		{WindowSize: 128, HopSize: 0, FFTSize: 128, MaxFrames: 1},
		{WindowSize: 128, HopSize: 129, FFTSize: 128, MaxFrames: 1},
		{WindowSize: 128, HopSize: 64, FFTSize: 64, MaxFrames: 1},
		{WindowSize: 128, HopSize: 64, FFTSize: 192, MaxFrames: 1},
		{WindowSize: 128, HopSize: 64, FFTSize: 128, MaxFrames: 0},
	}
	for _, opts := range bad {
		_, err := NewSpectrogram(opts)
		assert.ErrorIs(t, err, ErrInvalidOptions, "%+v", opts)
	}
}

func TestSpectrogramBoundedUnderRandomBursts(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	opts := DefaultOptions()
	opts.MaxFrames = 10
	s := newSpectrogram(t, opts)

	pushed, emitted := 0, 0
	for i := 0; i < 200; i++ {
		burst := make([]float64, rng.Intn(300))
		for j := range burst {
			burst[j] = rng.NormFloat64() * 1000
		}
		emitted += s.PushAll(burst)
		pushed += len(burst)

		require.LessOrEqual(t, s.Len(), opts.MaxFrames)
		require.Less(t, s.Pending(), opts.WindowSize)
	}

	want := 0
	if pushed >= opts.WindowSize {
		want = (pushed-opts.WindowSize)/opts.HopSize + 1
	}
	assert.Equal(t, want, emitted)
}

func le(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

func TestPipelineIngest(t *testing.T) {
	p, err := NewPipeline(PipelineOptions{Spectrogram: DefaultOptions(), LogSize: 5})
	require.NoError(t, err)
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	res := p.Ingest(at, nil)
	assert.False(t, res.Entry.Numeric)
	assert.Empty(t, res.Frames)

	samples := sine(192, 8, 10000)
	total := 0
	for i, v := range samples {
		res = p.Ingest(at.Add(time.Duration(i)*time.Millisecond), le(int32(v)))
		require.True(t, res.Entry.Numeric)
		if i == 127 || i == 191 {
			require.Len(t, res.Frames, 1, "sample %d completes a frame", i)
		}
		total += len(res.Frames)
	}
	assert.Equal(t, 2, total)
	assert.Len(t, p.Frames(), 2)

	stats := p.Stats()
	assert.Equal(t, uint64(193), stats.Payloads)
	assert.Equal(t, uint64(1), stats.Fallbacks)
	assert.Equal(t, uint64(2), stats.Frames)

	log := p.Log()
	require.Len(t, log, 5)
	assert.Equal(t, int32(samples[191]), log[4].Value)

	p.Reset()
	assert.Empty(t, p.Frames())
	assert.Len(t, p.Log(), 5)
}

func TestPipelineRejectsBadOptions(t *testing.T) {
	_, err := NewPipeline(PipelineOptions{Spectrogram: Options{}})
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

package spectro

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// magnitudeFloor keeps silent frames from dividing by zero.
const magnitudeFloor = 1e-6

var ErrInvalidOptions = errors.New("spectro: invalid options")

// Options sizes the streaming transform.
type Options struct {
	WindowSize int // samples per frame
	HopSize    int // samples the buffer advances after each frame
	FFTSize    int // power of two >= WindowSize; frames are zero-padded
	MaxFrames  int // frames retained, oldest evicted first
}

// DefaultOptions is a 128-sample Hann window with 50% overlap.
func DefaultOptions() Options {
	return Options{WindowSize: 128, HopSize: 64, FFTSize: 128, MaxFrames: 100}
}

func (o Options) validate() error {
	switch {
	case o.WindowSize <= 0:
		return fmt.Errorf("%w: window size %d", ErrInvalidOptions, o.WindowSize)
	case o.HopSize <= 0 || o.HopSize > o.WindowSize:
		return fmt.Errorf("%w: hop size %d not in (0, %d]", ErrInvalidOptions, o.HopSize, o.WindowSize)
	case o.FFTSize < o.WindowSize || bits.OnesCount(uint(o.FFTSize)) != 1:
		return fmt.Errorf("%w: fft size %d", ErrInvalidOptions, o.FFTSize)
	case o.MaxFrames <= 0:
		return fmt.Errorf("%w: max frames %d", ErrInvalidOptions, o.MaxFrames)
	}
	return nil
}

// Spectrogram is a sliding-window magnitude spectrum over a scalar stream.
// Every frame has FFTSize/2 bins normalised so its peak is 1 (all zeros for
// a silent frame). It is not safe for concurrent use.
type Spectrogram struct {
	opts   Options
	window []float64
	fft    *fourier.FFT

	buf     []float64
	scratch []float64
	coeffs  []complex128
	frames  [][]float64
}

func NewSpectrogram(opts Options) (*Spectrogram, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	w := make([]float64, opts.WindowSize)
	for i := range w {
		w[i] = 1
	}
	return &Spectrogram{
		opts:    opts,
		window:  window.Hann(w),
		fft:     fourier.NewFFT(opts.FFTSize),
		buf:     make([]float64, 0, opts.WindowSize+opts.HopSize),
		scratch: make([]float64, opts.FFTSize),
		coeffs:  make([]complex128, opts.FFTSize/2+1),
		frames:  make([][]float64, 0, opts.MaxFrames+1),
	}, nil
}

func (s *Spectrogram) Options() Options { return s.opts }

// Push appends one sample and emits every frame that became complete. It
// returns the number of frames emitted.
func (s *Spectrogram) Push(sample float64) int {
	s.buf = append(s.buf, sample)
	emitted := 0
	for len(s.buf) >= s.opts.WindowSize {
		s.emit(s.buf[:s.opts.WindowSize])
		n := copy(s.buf, s.buf[s.opts.HopSize:])
		s.buf = s.buf[:n]
		emitted++
	}
	return emitted
}

// PushAll pushes samples in order and returns the total frames emitted.
func (s *Spectrogram) PushAll(samples []float64) int {
	total := 0
	for _, v := range samples {
		total += s.Push(v)
	}
	return total
}

func (s *Spectrogram) emit(frame []float64) {
	for i, v := range frame {
		s.scratch[i] = v * s.window[i]
	}
	for i := len(frame); i < len(s.scratch); i++ {
		s.scratch[i] = 0
	}
	s.coeffs = s.fft.Coefficients(s.coeffs, s.scratch)

	mags := make([]float64, s.opts.FFTSize/2)
	peak := 0.0
	for k := range mags {
		m := cmplx.Abs(s.coeffs[k])
		mags[k] = m
		if m > peak {
			peak = m
		}
	}
	div := math.Max(peak, magnitudeFloor)
	for k := range mags {
		mags[k] /= div
	}

	s.frames = append(s.frames, mags)
	if over := len(s.frames) - s.opts.MaxFrames; over > 0 {
		n := copy(s.frames, s.frames[over:])
		for i := n; i < len(s.frames); i++ {
			s.frames[i] = nil
		}
		s.frames = s.frames[:n]
	}
}

// Frames returns a copy of the retained frames, oldest first.
func (s *Spectrogram) Frames() [][]float64 {
	return s.Tail(len(s.frames))
}

// Tail returns copies of the newest n retained frames, oldest first.
func (s *Spectrogram) Tail(n int) [][]float64 {
	if n > len(s.frames) {
		n = len(s.frames)
	}
	if n <= 0 {
		return nil
	}
	out := make([][]float64, n)
	for i, f := range s.frames[len(s.frames)-n:] {
		out[i] = append([]float64(nil), f...)
	}
	return out
}

// Latest returns a copy of the newest frame.
func (s *Spectrogram) Latest() ([]float64, bool) {
	if len(s.frames) == 0 {
		return nil, false
	}
	return append([]float64(nil), s.frames[len(s.frames)-1]...), true
}

// Len is the number of retained frames.
func (s *Spectrogram) Len() int { return len(s.frames) }

// Pending is the number of buffered samples not yet consumed by a frame.
func (s *Spectrogram) Pending() int { return len(s.buf) }

// Reset drops buffered samples and frames.
func (s *Spectrogram) Reset() {
	s.buf = s.buf[:0]
	for i := range s.frames {
		s.frames[i] = nil
	}
	s.frames = s.frames[:0]
}

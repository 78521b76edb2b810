package spectro

import (
	"log/slog"
	"time"
)

// PipelineOptions configures one device's pipeline.
type PipelineOptions struct {
	Spectrogram Options
	LogSize     int
	Logger      *slog.Logger
}

// Result describes what a single Ingest produced.
type Result struct {
	Entry LogEntry
	// Frames holds copies of the frames this payload completed, oldest first.
	// Bursts that complete more than MaxFrames frames report only the
	// retained ones.
	Frames [][]float64
}

// Stats counts pipeline activity.
type Stats struct {
	Payloads  uint64 `json:"payloads"`
	Fallbacks uint64 `json:"fallbacks"`
	Frames    uint64 `json:"frames"`
}

// Pipeline is decode, log and spectrogram for a single notify stream.
type Pipeline struct {
	log    *SampleLog
	spec   *Spectrogram
	stats  Stats
	logger *slog.Logger
}

func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	spec, err := NewSpectrogram(opts.Spectrogram)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{log: NewSampleLog(opts.LogSize), spec: spec, logger: logger}, nil
}

// Ingest handles one payload. Undecodable payloads are logged as hex and do
// not reach the spectrogram.
func (p *Pipeline) Ingest(at time.Time, payload []byte) Result {
	p.stats.Payloads++
	entry := NewLogEntry(at, payload)
	p.log.Add(entry)

	res := Result{Entry: entry}
	if !entry.Numeric {
		p.stats.Fallbacks++
		p.logger.Debug("[SPECTRO] undecodable payload", "payload", entry.Text)
		return res
	}
	if n := p.spec.Push(float64(entry.Value)); n > 0 {
		p.stats.Frames += uint64(n)
		res.Frames = p.spec.Tail(n)
	}
	return res
}

func (p *Pipeline) Log() []LogEntry { return p.log.Entries() }

func (p *Pipeline) Frames() [][]float64 { return p.spec.Frames() }

func (p *Pipeline) Latest() ([]float64, bool) { return p.spec.Latest() }

func (p *Pipeline) Stats() Stats { return p.stats }

// Reset clears the spectrogram and counters but keeps the log.
func (p *Pipeline) Reset() {
	p.spec.Reset()
	p.stats = Stats{}
}

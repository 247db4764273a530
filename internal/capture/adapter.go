package capture

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/saleslens/presage-capture/store"
)

// Signal names used for metrics and logs.
const (
	SignalHeartRate     = "heart_rate"
	SignalBreathingRate = "breathing_rate"
)

const defaultLogEveryN = 5

// Recorder receives per-frame counters from the Adapter.
type Recorder interface {
	RecordFrame()
	RecordMissingSignal(signal string)
}

// Adapter maps each metrics frame to one store.PhysiologyEvent.
//
// hrv, phasic, engagement, blink rate and talking detection have no extraction
// yet; those fields are always left empty (or false).
type Adapter struct {
	writer    store.EventWriter
	recorder  Recorder
	logEveryN uint64
	frames    uint64
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRecorder reports frame and missing-signal counts to r.
func WithRecorder(r Recorder) AdapterOption {
	return func(a *Adapter) { a.recorder = r }
}

// WithLogEveryN logs a summary line on every n-th frame, starting with the first.
func WithLogEveryN(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.logEveryN = uint64(n)
		}
	}
}

// NewAdapter returns an Adapter writing to w.
func NewAdapter(w store.EventWriter, opts ...AdapterOption) *Adapter {
	a := &Adapter{writer: w, logEveryN: defaultLogEveryN}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// OnMetrics handles one frame. It writes exactly one event and always returns
// nil: missing signals and failed writes never reach the container.
func (a *Adapter) OnMetrics(ctx context.Context, metrics MetricsBuffer, timestampUs int64) error {
	event := &store.PhysiologyEvent{
		TimestampMs:   timestampUs / 1000,
		HeartRate:     a.extract(SignalHeartRate, metrics.Pulse),
		BreathingRate: a.extract(SignalBreathingRate, metrics.Breathing),
	}

	a.writer.WriteEvent(ctx, event)

	if a.recorder != nil {
		a.recorder.RecordFrame()
	}
	if a.frames%a.logEveryN == 0 {
		slog.Info("physiology metrics",
			"timestamp_ms", event.TimestampMs,
			"heart_rate", formatOptional(event.HeartRate),
			"breathing_rate", formatOptional(event.BreathingRate),
			"emotion_score", event.EmotionScore,
		)
	}
	a.frames++
	return nil
}

// Frames returns how many frames have been handled.
func (a *Adapter) Frames() uint64 {
	return a.frames
}

func (a *Adapter) extract(signal string, read func() (float64, error)) *float64 {
	v, err := safeRead(read)
	if err != nil {
		a.missing(signal)
		return nil
	}
	out := store.PositiveOrNil(v)
	if out == nil {
		a.missing(signal)
	}
	return out
}

func (a *Adapter) missing(signal string) {
	if a.recorder != nil {
		a.recorder.RecordMissingSignal(signal)
	}
}

// safeRead treats a panicking accessor like an absent reading.
func safeRead(read func() (float64, error)) (v float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = 0, errors.Wrapf(ErrNoReading, "accessor panicked: %v", r)
		}
	}()
	return read()
}

func formatOptional(v *float64) any {
	if v == nil {
		return "n/a"
	}
	return *v
}

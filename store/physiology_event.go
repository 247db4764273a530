package store

import (
	"context"
	"time"
)

// PhysiologyEvent is one physiology reading, written about once per second
// while a session is being captured.
//
// Optional readings are nil when the SDK reported nothing for the frame.
// EmotionScore is never absent: zero and negative values are real readings.
type PhysiologyEvent struct {
	ID            int64
	SessionID     string
	TimestampMs   int64 // UTC milliseconds, the key transcripts are joined on
	HeartRate     *float64
	HRV           *float64
	BreathingRate *float64
	Phasic        *float64
	EmotionScore  float64
	Engagement    *float64
	BlinkRate     *float64
	IsTalking     bool
}

// FindPhysiologyEvent is the find condition for physiology events.
type FindPhysiologyEvent struct {
	SessionID string
	// FromMs and ToMs bound timestamp_ms inclusively when set.
	FromMs *int64
	ToMs   *int64
	Limit  *int
}

// EventWriter appends physiology events to the shared store.
// Implementations log failed writes instead of returning them, and store
// optional readings that are not positive as NULL.
type EventWriter interface {
	WriteEvent(ctx context.Context, event *PhysiologyEvent)
}

// WriteObserver receives the outcome of every insert attempt.
type WriteObserver interface {
	ObserveWrite(latency time.Duration, err error)
}

// PositiveOrNil converts an in-band reading to an optional one: values > 0 are
// kept exactly, everything else (including the SDK's -1 "no data") is nil.
func PositiveOrNil(v float64) *float64 {
	if v > 0 {
		return &v
	}
	return nil
}

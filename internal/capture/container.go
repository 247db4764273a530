// Package capture turns per-frame physiology output from the capture SDK into
// rows in the shared store.
package capture

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNoReading is returned by a MetricsBuffer accessor when the SDK produced no
// value for that signal in the current frame. It is expected and frequent.
var ErrNoReading = errors.New("no reading this frame")

// MetricsBuffer is the opaque per-frame output of the SDK.
type MetricsBuffer interface {
	// Pulse returns the heart rate in beats per minute.
	Pulse() (float64, error)
	// Breathing returns the breathing rate in breaths per minute.
	Breathing() (float64, error)
}

// MetricsCallback is invoked by a Container roughly once per second with the
// latest metrics and their capture time in microseconds since the epoch.
// A non-nil error tells the container the frame was not handled.
type MetricsCallback func(ctx context.Context, metrics MetricsBuffer, timestampUs int64) error

// Container is the capture subsystem: register a callback, initialize once,
// then Run blocks until the source is exhausted or ctx is cancelled.
type Container interface {
	SetOnCoreMetricsOutput(cb MetricsCallback) error
	Init(ctx context.Context) error
	Run(ctx context.Context) error
}

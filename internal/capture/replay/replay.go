// Package replay implements capture.Container over recorded SDK output: one
// JSON frame per line, delivered to the metrics callback at the SDK's ~1 Hz cadence.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/saleslens/presage-capture/internal/capture"
)

// maxFrameSize bounds a single line of recorded output.
const maxFrameSize = 1 << 20

var (
	ErrNoCallback     = errors.New("metrics callback not registered")
	ErrNotInitialized = errors.New("container not initialized")
)

// Settings configures a Container.
type Settings struct {
	// APIKey is the SDK credential. Recorded frames do not need it, but it is
	// still required so replayed and live runs are configured the same way.
	APIKey string
	// Source is a file path, or "-" for stdin.
	Source string
	// Interval between frames; 0 replays as fast as the callback returns.
	Interval time.Duration
	// Now stamps frames recorded without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Reading mirrors the SDK's strict measurement value.
type Reading struct {
	Value float64 `json:"value"`
}

// Measurement holds the strict reading of one signal, when there is one.
type Measurement struct {
	Strict *Reading `json:"strict,omitempty"`
}

// Frame is one recorded metrics buffer.
type Frame struct {
	TimestampUs      *int64       `json:"timestamp_us,omitempty"`
	PulseReading     *Measurement `json:"pulse,omitempty"`
	BreathingReading *Measurement `json:"breathing,omitempty"`
}

var _ capture.MetricsBuffer = (*Frame)(nil)

func (f *Frame) Pulse() (float64, error) {
	return f.PulseReading.value()
}

func (f *Frame) Breathing() (float64, error) {
	return f.BreathingReading.value()
}

func (m *Measurement) value() (float64, error) {
	if m == nil || m.Strict == nil {
		return 0, capture.ErrNoReading
	}
	return m.Strict.Value, nil
}

// Container replays recorded frames into a capture.MetricsCallback.
type Container struct {
	settings Settings
	callback capture.MetricsCallback
	limiter  *rate.Limiter
	input    io.Reader

	mu     sync.Mutex
	closer io.Closer
}

var _ capture.Container = (*Container)(nil)

// New validates settings and returns an uninitialized Container.
func New(settings Settings) (*Container, error) {
	if settings.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if settings.Source == "" {
		settings.Source = "-"
	}
	if settings.Interval < 0 {
		return nil, errors.Errorf("interval must not be negative, got %s", settings.Interval)
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}

	c := &Container{settings: settings}
	if settings.Interval > 0 {
		c.limiter = rate.NewLimiter(rate.Every(settings.Interval), 1)
	}
	return c, nil
}

// NewFromReader returns a Container reading frames from r instead of Source.
// If r is an io.Closer it is closed when Run returns.
func NewFromReader(settings Settings, r io.Reader) (*Container, error) {
	c, err := New(settings)
	if err != nil {
		return nil, err
	}
	c.input = r
	if cl, ok := r.(io.Closer); ok {
		c.setCloser(cl)
	}
	return c, nil
}

// SetOnCoreMetricsOutput registers the callback invoked for every frame.
func (c *Container) SetOnCoreMetricsOutput(cb capture.MetricsCallback) error {
	if cb == nil {
		return ErrNoCallback
	}
	c.callback = cb
	return nil
}

// Init opens the frame source.
func (c *Container) Init(_ context.Context) error {
	if c.input != nil {
		return nil
	}
	if c.settings.Source == "-" {
		c.input = os.Stdin
		c.setCloser(os.Stdin)
		return nil
	}
	f, err := os.Open(c.settings.Source)
	if err != nil {
		return errors.Wrapf(err, "failed to open frame source %s", c.settings.Source)
	}
	c.input = f
	c.setCloser(f)
	return nil
}

// Run delivers frames until the source is exhausted or ctx is cancelled.
// Malformed lines are logged and skipped; a callback error stops the run.
// Cancellation returns promptly even while a read is blocked.
func (c *Container) Run(ctx context.Context) error {
	if c.callback == nil {
		return ErrNoCallback
	}
	if c.input == nil {
		return ErrNotInitialized
	}
	defer c.close()

	// Unblock a pending read on shutdown where the source supports it.
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	lines, readErr := c.readLines(readCtx)
	for {
		var l sourceLine
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case l, ok = <-lines:
		}
		if !ok {
			select {
			case err := <-readErr:
				if err != nil && ctx.Err() == nil {
					return errors.Wrap(err, "failed to read frame source")
				}
			default:
			}
			return nil
		}

		var frame Frame
		if err := json.Unmarshal(l.raw, &frame); err != nil {
			slog.Warn("skipping malformed frame", "line", l.number, "error", err)
			continue
		}
		timestampUs := c.settings.Now().UnixMicro()
		if frame.TimestampUs != nil {
			timestampUs = *frame.TimestampUs
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if err := c.callback(ctx, &frame, timestampUs); err != nil {
			return errors.Wrapf(err, "metrics callback failed at line %d", l.number)
		}
	}
}

type sourceLine struct {
	number int
	raw    []byte
}

// readLines scans the source on its own goroutine. A blocking stdin read can
// outlive Run; it ends with the process or the next line.
func (c *Container) readLines(ctx context.Context) (<-chan sourceLine, <-chan error) {
	lines := make(chan sourceLine)
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(c.input)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		number := 0
		for scanner.Scan() {
			number++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}
			select {
			case lines <- sourceLine{number: number, raw: bytes.Clone(raw)}:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	return lines, readErr
}

func (c *Container) setCloser(cl io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closer = cl
}

func (c *Container) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer.Close()
		c.closer = nil
	}
}

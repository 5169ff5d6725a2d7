// Package capture pulls screen images from a Source at a fixed cadence.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/papercomputeco/captain/pkg/frame"
	"github.com/papercomputeco/captain/pkg/logger"
)

const (
	DefaultInterval   = time.Second
	DefaultTimeout    = 5 * time.Second
	DefaultBackoffMax = 30 * time.Second
)

// Source produces screen images on demand.
type Source interface {
	Capture(ctx context.Context) (time.Time, frame.Image, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (time.Time, frame.Image, error)

func (f SourceFunc) Capture(ctx context.Context) (time.Time, frame.Image, error) {
	return f(ctx)
}

// CaptureError reports a failed capture. Captures are retried with
// exponential backoff and never stop the loop.
type CaptureError struct {
	Attempt int
	Err     error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Handler receives every captured image.
type Handler func(ctx context.Context, ts time.Time, img frame.Image) error

// LoopConfig is the configuration of a capture loop.
type LoopConfig struct {
	Source Source

	// Interval is the capture cadence.
	Interval time.Duration

	// Timeout bounds one capture.
	Timeout time.Duration

	// BackoffMax caps the delay after consecutive failures.
	BackoffMax time.Duration

	Logger *slog.Logger
}

// Loop drives a Source.
type Loop struct {
	config  LoopConfig
	handler Handler
	logger  *slog.Logger

	captured atomic.Uint64
	failed   atomic.Uint64
}

// NewLoop creates a capture loop delivering images to h.
func NewLoop(c LoopConfig, h Handler) (*Loop, error) {
	if c.Source == nil {
		return nil, errors.New("capture source is required")
	}
	if h == nil {
		return nil, errors.New("capture handler is required")
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.Interval {
		c.BackoffMax = c.Interval
	}
	return &Loop{config: c, handler: h, logger: logger.OrNop(c.Logger)}, nil
}

// Captured is the number of successful captures.
func (l *Loop) Captured() uint64 {
	return l.captured.Load()
}

// Failed is the number of failed captures.
func (l *Loop) Failed() uint64 {
	return l.failed.Load()
}

// Run captures until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		ts, img, err := l.captureOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			failures++
			l.failed.Add(1)
			delay := l.backoff(failures)
			l.logger.Warn("screen capture failed",
				"error", &CaptureError{Attempt: failures, Err: err},
				"retry_in", delay,
			)
			timer.Reset(delay)
			continue
		}

		failures = 0
		l.captured.Add(1)
		if err := l.handler(ctx, ts, img); err != nil {
			l.logger.Warn("failed to ingest captured frame", "error", err)
		}
		timer.Reset(l.config.Interval)
	}
}

func (l *Loop) captureOnce(ctx context.Context) (time.Time, frame.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()
	return l.config.Source.Capture(ctx)
}

func (l *Loop) backoff(failures int) time.Duration {
	shift := min(failures, 16)
	d := l.config.Interval << shift
	if d <= 0 || d > l.config.BackoffMax {
		return l.config.BackoffMax
	}
	return d
}

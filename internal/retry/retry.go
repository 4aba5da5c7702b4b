// Package retry supervises consumer sessions: a failed session is logged,
// and a fresh one is started after a fixed delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lsm/cdctail/internal/observability"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/source"
)

// DefaultDelay is the pause between a failed session and the next attempt.
const DefaultDelay = 5 * time.Second

// FailurePolicy decides what happens when the first session fails.
type FailurePolicy int

const (
	// RetryForever retries every failure.
	RetryForever FailurePolicy = iota
	// FailFast gives up if the first session never starts consuming.
	FailFast
)

func (p FailurePolicy) String() string {
	switch p {
	case RetryForever:
		return "retry"
	case FailFast:
		return "failfast"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "retry" or "failfast". Empty means RetryForever.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retry", "retry-forever":
		return RetryForever, nil
	case "failfast", "fail-fast":
		return FailFast, nil
	default:
		return RetryForever, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Config holds scheduler configuration.
type Config struct {
	Delay  time.Duration
	Policy FailurePolicy
}

// DefaultConfig returns the retry-forever policy with the default delay.
func DefaultConfig() Config {
	return Config{Delay: DefaultDelay, Policy: RetryForever}
}

// FatalStartupError wraps the first-session failure under FailFast.
type FatalStartupError struct {
	Err error
}

func (e *FatalStartupError) Error() string { return "fatal startup: " + e.Err.Error() }
func (e *FatalStartupError) Unwrap() error { return e.Err }

// IsFatalStartup returns true if err is a FatalStartupError.
func IsFatalStartup(err error) bool {
	var fe *FatalStartupError
	return errors.As(err, &fe)
}

var errSessionEnded = errors.New("consumer session ended without error")

// Scheduler runs cycles until ctx is cancelled.
type Scheduler struct {
	cfg     Config
	sink    *logsink.Sink
	metrics *observability.Metrics
	after   func(time.Duration) <-chan time.Time
}

// NewScheduler creates a Scheduler. metrics may be nil.
func NewScheduler(cfg Config, sink *logsink.Sink, metrics *observability.Metrics) *Scheduler {
	if sink == nil {
		sink = logsink.New(nil, "")
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	return &Scheduler{
		cfg:     cfg,
		sink:    sink,
		metrics: metrics,
		after:   time.After,
	}
}

// Run calls cycle repeatedly. Each failure is logged as consumer_error,
// followed by consumer_retry_scheduled and the fixed delay. Run returns nil
// once ctx is cancelled, or a *FatalStartupError under FailFast.
func (s *Scheduler) Run(ctx context.Context, cycle func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errSessionEnded
		}

		phase := source.PhaseOf(err)
		s.sink.ConsumerError(ctx, err, phase, attempt)
		s.metrics.ObserveConsumerError(phase)

		if attempt == 1 && s.cfg.Policy == FailFast && !wentLive(err) {
			return &FatalStartupError{Err: err}
		}

		s.sink.RetryScheduled(ctx, s.cfg.Delay, attempt+1)
		s.metrics.ObserveRetry()

		select {
		case <-ctx.Done():
			return nil
		case <-s.after(s.cfg.Delay):
		}
	}
}

// wentLive reports whether the failed session had reached the consuming phase.
func wentLive(err error) bool {
	var ce *source.ConsumeError
	return errors.As(err, &ce)
}

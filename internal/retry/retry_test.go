package retry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/lsm/cdctail/internal/observability"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/source"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *bytes.Buffer, *[]time.Duration) {
	t.Helper()
	var buf bytes.Buffer
	sink := logsink.New(observability.NewLogger(&buf, slog.LevelDebug), "")
	s := NewScheduler(cfg, sink, observability.NewMetrics(prometheus.NewRegistry()))

	var delays []time.Duration
	s.after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return s, &buf, &delays
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func consumeFault() error {
	return &source.ConsumeError{Topic: "flowershop_cdc", Partition: 0, Err: errors.New("TOPIC_AUTHORIZATION_FAILED")}
}

func connectFault() error {
	return &source.ConnectionError{Brokers: []string{"kafka:9092"}, Err: errors.New("connection refused")}
}

func TestRun_RetriesWithFixedDelay(t *testing.T) {
	s, buf, delays := newTestScheduler(t, Config{Delay: 1500 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	err := s.Run(ctx, func(ctx context.Context) error {
		cycles++
		if cycles == 4 {
			cancel()
			return ctx.Err()
		}
		return consumeFault()
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if cycles != 4 {
		t.Fatalf("cycles = %d, want 4", cycles)
	}

	for i, d := range *delays {
		if d != 1500*time.Millisecond {
			t.Errorf("delay %d = %v, want fixed 1.5s", i, d)
		}
	}
	if len(*delays) != 3 {
		t.Errorf("got %d delays, want 3", len(*delays))
	}

	recs := logRecords(t, buf)
	if len(recs) != 6 {
		t.Fatalf("got %d records, want 6: %v", len(recs), recs)
	}
	for i := 0; i < len(recs); i += 2 {
		errRec, retryRec := recs[i], recs[i+1]
		attempt := float64(i/2 + 1)
		if errRec["action"] != logsink.ActionError || errRec["level"] != "ERROR" {
			t.Errorf("record %d = %v, want consumer_error", i, errRec)
		}
		if errRec["phase"] != "consuming" || errRec["attempt"] != attempt {
			t.Errorf("consumer_error = %#v", errRec)
		}
		if !strings.Contains(errRec["message"].(string), "TOPIC_AUTHORIZATION_FAILED") {
			t.Errorf("message = %v", errRec["message"])
		}
		if retryRec["action"] != logsink.ActionRetryScheduled || retryRec["delayMs"] != float64(1500) {
			t.Errorf("record %d = %#v, want retry with delayMs 1500", i+1, retryRec)
		}
		if retryRec["attempt"] != attempt+1 {
			t.Errorf("retry attempt = %v, want %v", retryRec["attempt"], attempt+1)
		}
	}

	if got := testutil.ToFloat64(s.metrics.Retries); got != 3 {
		t.Errorf("retries = %v, want 3", got)
	}
	if got := testutil.ToFloat64(s.metrics.ConsumerErrors.WithLabelValues("consuming")); got != 3 {
		t.Errorf("consumer errors = %v, want 3", got)
	}
}

func TestRun_FailFastOnInitialConnectFault(t *testing.T) {
	s, buf, delays := newTestScheduler(t, Config{Delay: time.Second, Policy: FailFast})

	cycles := 0
	err := s.Run(context.Background(), func(context.Context) error {
		cycles++
		return connectFault()
	})

	if !IsFatalStartup(err) {
		t.Fatalf("Run() error = %v, want FatalStartupError", err)
	}
	var connErr *source.ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("fatal error should wrap the connection error, got %v", err)
	}
	if cycles != 1 {
		t.Errorf("cycles = %d, want 1", cycles)
	}
	if len(*delays) != 0 {
		t.Errorf("no delay expected, got %v", *delays)
	}

	recs := logRecords(t, buf)
	if len(recs) != 1 || recs[0]["action"] != logsink.ActionError || recs[0]["phase"] != "connecting" {
		t.Fatalf("records = %v, want a single consumer_error", recs)
	}
}

func TestRun_FailFastRetriesAfterGoingLive(t *testing.T) {
	s, buf, _ := newTestScheduler(t, Config{Delay: time.Millisecond, Policy: FailFast})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	err := s.Run(ctx, func(ctx context.Context) error {
		cycles++
		switch cycles {
		case 1:
			return consumeFault()
		case 2:
			// Later startup faults are retried too.
			return connectFault()
		default:
			cancel()
			return ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if cycles != 3 {
		t.Errorf("cycles = %d, want 3", cycles)
	}

	var retries int
	for _, r := range logRecords(t, buf) {
		if r["action"] == logsink.ActionRetryScheduled {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestRun_CancelDuringDelay(t *testing.T) {
	s, buf, _ := newTestScheduler(t, Config{Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.after = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}

	cycles := 0
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) error {
			cycles++
			return connectFault()
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if cycles != 1 {
		t.Errorf("cycles = %d, want 1", cycles)
	}

	recs := logRecords(t, buf)
	if len(recs) != 2 {
		t.Errorf("records = %v, want error and retry only", recs)
	}
}

func TestRun_CancelledCycleIsNotAnError(t *testing.T) {
	s, buf, _ := newTestScheduler(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Run(ctx, func(ctx context.Context) error { return ctx.Err() })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected output: %s", buf.String())
	}
}

func TestRun_CleanCycleEndIsRetried(t *testing.T) {
	s, buf, _ := newTestScheduler(t, Config{Delay: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycles := 0
	_ = s.Run(ctx, func(ctx context.Context) error {
		cycles++
		if cycles == 2 {
			cancel()
			return ctx.Err()
		}
		return nil
	})

	recs := logRecords(t, buf)
	if len(recs) == 0 || recs[0]["phase"] != "faulted" {
		t.Fatalf("records = %v, want consumer_error with phase faulted", recs)
	}
	if !strings.Contains(recs[0]["message"].(string), "ended without error") {
		t.Errorf("message = %v", recs[0]["message"])
	}
}

func TestNewScheduler_NonPositiveDelayUsesDefault(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		s := NewScheduler(Config{Delay: d}, nil, nil)
		if s.cfg.Delay != DefaultDelay {
			t.Errorf("NewScheduler(delay %v) delay = %v, want %v", d, s.cfg.Delay, DefaultDelay)
		}
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", RetryForever, false},
		{"retry", RetryForever, false},
		{"RETRY", RetryForever, false},
		{"failfast", FailFast, false},
		{" fail-fast ", FailFast, false},
		{"sometimes", RetryForever, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFailurePolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFatalStartupError(t *testing.T) {
	cause := connectFault()
	err := error(&FatalStartupError{Err: cause})
	if !errors.Is(err, cause) {
		t.Error("FatalStartupError should unwrap to its cause")
	}
	if !strings.HasPrefix(err.Error(), "fatal startup: ") {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsFatalStartup(cause) {
		t.Error("plain error reported as fatal startup")
	}
}

// Package logsink renders change events and consumer lifecycle records as
// JSON log lines.
package logsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/lsm/cdctail/internal/cdc"
	"github.com/lsm/cdctail/internal/source"
)

// Action values carried in the "action" field of each record.
const (
	ActionEvent          = "cdc_event"
	ActionStarted        = "consumer_started"
	ActionDecodeFailed   = "decode_failed"
	ActionFetchError     = "fetch_error"
	ActionError          = "consumer_error"
	ActionRetryScheduled = "consumer_retry_scheduled"
	ActionFatalStartup   = "fatal_startup"
	ActionDisabled       = "consumer_disabled"
	ActionStopped        = "consumer_stopped"
)

// DefaultSourceTag identifies records produced by this consumer.
const DefaultSourceTag = "tidb-cdc"

// Sink writes one record per call through a slog handler. Writes are
// synchronous; a blocked writer blocks the caller.
type Sink struct {
	logger *slog.Logger
	now    func() time.Time
}

// New wraps logger, tagging every record with the given source tag.
func New(logger *slog.Logger, sourceTag string) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if sourceTag == "" {
		sourceTag = DefaultSourceTag
	}
	return &Sink{
		logger: logger.With("source", sourceTag),
		now:    time.Now,
	}
}

// Event emits the cdc_event record for ev, stamped with its capture time.
func (s *Sink) Event(ctx context.Context, ev cdc.ChangeEvent) {
	s.emit(ctx, ev.Timestamp, slog.LevelInfo, ActionEvent,
		slog.String("topic", ev.Topic),
		slog.Int("partition", int(ev.Partition)),
		slog.Int64("offset", ev.Offset),
		slog.Any("key", ev.KeyValue()),
		slog.Any("payload", ev.Payload.LogValue()),
	)
}

// DecodeFailed emits a warning for a payload that was not valid JSON.
func (s *Sink) DecodeFailed(ctx context.Context, msg source.Message, text string, err error) {
	s.emit(ctx, s.now(), slog.LevelWarn, ActionDecodeFailed,
		slog.String("topic", msg.Topic),
		slog.Int("partition", int(msg.Partition)),
		slog.Int64("offset", msg.Offset),
		slog.String("payload", text),
		slog.String("error", errorMessage(err)),
	)
}

// ConsumerStarted marks the pipeline as live.
func (s *Sink) ConsumerStarted(ctx context.Context, sessionID, topic string, brokers []string, groupID string) {
	s.emit(ctx, s.now(), slog.LevelInfo, ActionStarted,
		slog.String("topic", topic),
		slog.Any("brokers", brokers),
		slog.String("groupId", groupID),
		slog.String("session", sessionID),
	)
}

// FetchError reports a fetch error. Fatal errors end the session and are
// logged at error level; the rest are warnings.
func (s *Sink) FetchError(ctx context.Context, topic string, partition int32, err error, fatal bool) {
	level := slog.LevelWarn
	if fatal {
		level = slog.LevelError
	}
	s.emit(ctx, s.now(), level, ActionFetchError,
		slog.String("topic", topic),
		slog.Int("partition", int(partition)),
		slog.String("error", errorMessage(err)),
		slog.Bool("fatal", fatal),
	)
}

// ConsumerError reports a failed session.
func (s *Sink) ConsumerError(ctx context.Context, err error, phase source.Phase, attempt int) {
	s.emit(ctx, s.now(), slog.LevelError, ActionError,
		slog.String("message", errorMessage(err)),
		slog.String("phase", phase.String()),
		slog.Int("attempt", attempt),
	)
}

// RetryScheduled announces the next connect attempt after delay.
func (s *Sink) RetryScheduled(ctx context.Context, delay time.Duration, nextAttempt int) {
	s.emit(ctx, s.now(), slog.LevelWarn, ActionRetryScheduled,
		slog.Int64("delayMs", delay.Milliseconds()),
		slog.Int("attempt", nextAttempt),
	)
}

// FatalStartup reports that the first attempt failed and the process exits.
func (s *Sink) FatalStartup(ctx context.Context, err error) {
	s.emit(ctx, s.now(), slog.LevelError, ActionFatalStartup,
		slog.String("message", errorMessage(err)),
	)
}

// Disabled reports that consumption is switched off by configuration.
func (s *Sink) Disabled(ctx context.Context, reason string) {
	s.emit(ctx, s.now(), slog.LevelInfo, ActionDisabled,
		slog.String("reason", reason),
	)
}

// Stopped reports a clean shutdown.
func (s *Sink) Stopped(ctx context.Context, reason string) {
	s.emit(ctx, s.now(), slog.LevelInfo, ActionStopped,
		slog.String("reason", reason),
	)
}

func (s *Sink) emit(ctx context.Context, at time.Time, level slog.Level, action string, attrs ...slog.Attr) {
	h := s.logger.Handler()
	if !h.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(at, level, action, 0)
	r.AddAttrs(attrs...)
	_ = h.Handle(ctx, r)
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

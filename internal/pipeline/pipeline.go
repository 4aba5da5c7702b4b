// Package pipeline connects a consumer session to the decoder and the log
// sink: every consumed message becomes exactly one cdc_event record.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdctail/internal/cdc"
	"github.com/lsm/cdctail/internal/decode"
	"github.com/lsm/cdctail/internal/observability"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/source"
	"github.com/lsm/cdctail/internal/tracing"
)

// Session is one broker session. It is used for a single Run and then
// discarded.
type Session interface {
	Run(ctx context.Context, handler source.Handler) error
	Close() error
}

// SessionFactory builds a fresh, unconnected session.
type SessionFactory func() (Session, error)

// Pipeline orchestrates the session -> decode -> sink flow.
type Pipeline struct {
	sink       *logsink.Sink
	metrics    *observability.Metrics
	newSession SessionFactory
	now        func() time.Time
}

// New creates a Pipeline. metrics may be nil.
func New(sink *logsink.Sink, metrics *observability.Metrics, newSession SessionFactory) *Pipeline {
	if sink == nil {
		sink = logsink.New(nil, "")
	}
	return &Pipeline{
		sink:       sink,
		metrics:    metrics,
		newSession: newSession,
		now:        time.Now,
	}
}

// RunOnce runs one session to completion: connect, subscribe, consume. The
// session is closed before RunOnce returns.
func (p *Pipeline) RunOnce(ctx context.Context) error {
	sess, err := p.newSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	p.metrics.ObserveSession()
	return sess.Run(ctx, p.Handle)
}

// Handle decodes one message and logs it. It never fails: a payload that is
// not JSON is logged as raw text after a decode_failed warning.
func (p *Pipeline) Handle(ctx context.Context, msg source.Message) {
	capturedAt := p.now()

	payload, err := decode.Decode(msg.Value)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(tracing.PayloadKindAttr(payload.Kind.String()))

	if err != nil {
		p.sink.DecodeFailed(ctx, msg, payload.Text, err)
		p.metrics.ObserveDecodeFailure()
		tracing.SetSpanError(span, err)
	} else {
		tracing.SetSpanOK(span)
	}

	p.sink.Event(ctx, cdc.NewChangeEvent(msg, payload, capturedAt))
	p.metrics.ObserveEvent(payload.Kind.String())
}

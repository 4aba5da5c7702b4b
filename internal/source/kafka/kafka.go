// Package kafka implements a single-use consumer session against a Kafka
// cluster: connect, subscribe, then consume until the session faults.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/cdctail/internal/kafka"
	"github.com/lsm/cdctail/internal/observability"
	"github.com/lsm/cdctail/internal/sink/logsink"
	"github.com/lsm/cdctail/internal/source"
	"github.com/lsm/cdctail/internal/tracing"
)

// Config holds session configuration.
type Config struct {
	Cluster       *kafka.ClusterConfig
	Topic         string
	ConsumerGroup string
	FromBeginning bool
}

// Validate checks that the session can be started.
func (c Config) Validate() error {
	var errs []error
	if c.Cluster == nil {
		errs = append(errs, errors.New("cluster config is required"))
	} else if err := c.Cluster.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("consumer group is required"))
	}
	return errors.Join(errs...)
}

// consumer abstracts the kgo client methods used by Session for testing.
type consumer interface {
	Ping(ctx context.Context) error
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// admin abstracts the kadm calls used to verify a subscription.
type admin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	DescribeGroups(ctx context.Context, groups ...string) (kadm.DescribedGroups, error)
}

type dialFunc func(opts []kgo.Opt) (consumer, admin, error)

func dialKafka(opts []kgo.Opt) (consumer, admin, error) {
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, err
	}
	return cl, kadm.NewClient(cl), nil
}

// Retriable fetch errors can arrive on every poll while a partition leader
// moves; their log lines are limited to this rate. Fatal ones always log.
const (
	fetchErrorLogInterval = time.Second
	fetchErrorLogBurst    = 5
)

var errWrongPhase = errors.New("session is not in the required phase")

// Session owns one broker client for its whole life. A faulted session is
// never reused; callers construct a new one.
type Session struct {
	cfg     Config
	id      string
	sink    *logsink.Sink
	metrics *observability.Metrics
	tracer  trace.Tracer
	dial    dialFunc
	onPhase func(source.Phase)
	errLog  *rate.Limiter

	phase  atomic.Int32
	client consumer
	admin  admin
}

// NewSession creates an idle session. It does not touch the network.
func NewSession(cfg Config, sink *logsink.Sink) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if sink == nil {
		sink = logsink.New(nil, "")
	}
	return &Session{
		cfg:    cfg,
		id:     uuid.NewString(),
		sink:   sink,
		tracer: noop.NewTracerProvider().Tracer("kafka-source"),
		dial:   dialKafka,
		errLog: rate.NewLimiter(rate.Every(fetchErrorLogInterval), fetchErrorLogBurst),
	}, nil
}

// SetTracer sets the tracer used for per-record spans.
func (s *Session) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetMetrics sets the metrics that fetch errors are counted in.
func (s *Session) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// OnPhaseChange registers fn to be called on every phase transition.
func (s *Session) OnPhaseChange(fn func(source.Phase)) {
	s.onPhase = fn
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() source.Phase {
	return source.Phase(s.phase.Load())
}

func (s *Session) setPhase(p source.Phase) {
	s.phase.Store(int32(p))
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

func (s *Session) fault(err error) error {
	s.setPhase(source.PhaseFaulted)
	return err
}

// Connect creates the client and waits until a seed broker answers,
// bounded by the cluster dial timeout.
func (s *Session) Connect(ctx context.Context) error {
	if s.Phase() != source.PhaseIdle {
		return fmt.Errorf("connect in phase %s: %w", s.Phase(), errWrongPhase)
	}
	s.setPhase(source.PhaseConnecting)

	connErr := func(err error) error {
		return s.fault(&source.ConnectionError{Brokers: s.cfg.Cluster.Brokers, Err: err})
	}

	opts, err := kafka.ConsumerOptions(s.cfg.Cluster, s.cfg.Topic, s.cfg.ConsumerGroup, s.cfg.FromBeginning)
	if err != nil {
		return connErr(fmt.Errorf("client options: %w", err))
	}

	client, adm, err := s.dial(opts)
	if err != nil {
		return connErr(fmt.Errorf("kafka client: %w", err))
	}
	s.client = client
	s.admin = adm

	timeout := s.cfg.Cluster.DialTimeout
	if timeout <= 0 {
		timeout = kafka.DefaultDialTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return connErr(fmt.Errorf("ping: %w", err))
	}
	return nil
}

// Subscribe verifies that the topic exists and the group is usable, then
// logs consumer_started.
func (s *Session) Subscribe(ctx context.Context) error {
	if s.Phase() != source.PhaseConnecting || s.client == nil {
		return fmt.Errorf("subscribe in phase %s: %w", s.Phase(), errWrongPhase)
	}
	s.setPhase(source.PhaseSubscribing)

	subErr := func(err error) error {
		return s.fault(&source.SubscriptionError{Topic: s.cfg.Topic, Group: s.cfg.ConsumerGroup, Err: err})
	}

	topics, err := s.admin.ListTopics(ctx, s.cfg.Topic)
	if err != nil {
		return subErr(fmt.Errorf("list topics: %w", err))
	}
	detail, ok := topics[s.cfg.Topic]
	if !ok {
		return subErr(kerr.UnknownTopicOrPartition)
	}
	if detail.Err != nil {
		return subErr(detail.Err)
	}

	groups, err := s.admin.DescribeGroups(ctx, s.cfg.ConsumerGroup)
	if err != nil {
		return subErr(fmt.Errorf("describe group: %w", err))
	}
	if g, ok := groups[s.cfg.ConsumerGroup]; ok && g.Err != nil && !groupNotYetCreated(g.Err) {
		return subErr(g.Err)
	}

	s.sink.ConsumerStarted(ctx, s.id, s.cfg.Topic, s.cfg.Cluster.Brokers, s.cfg.ConsumerGroup)
	return nil
}

// Consume polls records and hands each to handler, one at a time. It returns
// ctx.Err() on cancellation and a *source.ConsumeError on any fault that
// ends the session.
func (s *Session) Consume(ctx context.Context, handler source.Handler) error {
	if s.Phase() != source.PhaseSubscribing {
		return fmt.Errorf("consume in phase %s: %w", s.Phase(), errWrongPhase)
	}
	s.setPhase(source.PhaseConsuming)

	for {
		fetches := s.client.PollFetches(ctx)

		if fetches.IsClientClosed() {
			return s.fault(&source.ConsumeError{Topic: s.cfg.Topic, Partition: -1, Err: kgo.ErrClientClosed})
		}

		var fatal error
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			isFatal := IsFatal(err)
			s.metrics.ObserveFetchError(isFatal)
			if isFatal || s.errLog.Allow() {
				s.sink.FetchError(ctx, topic, partition, err, isFatal)
			}
			if isFatal && fatal == nil {
				fatal = &source.ConsumeError{Topic: topic, Partition: partition, Err: err}
			}
		})

		// Records delivered alongside a fatal error are still handled.
		fetches.EachRecord(func(record *kgo.Record) {
			s.handle(ctx, record, handler)
		})

		if fatal != nil {
			return s.fault(fatal)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (s *Session) handle(ctx context.Context, record *kgo.Record, handler source.Handler) {
	msg := source.Message{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
	}
	if len(record.Headers) > 0 {
		msg.Headers = make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}

	spanCtx, span := tracing.StartSpan(tracing.ExtractHeaders(ctx, msg.Headers), s.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			tracing.KafkaTopicAttr(record.Topic),
			tracing.KafkaPartitionAttr(record.Partition),
			tracing.KafkaOffsetAttr(record.Offset),
			tracing.ConsumerGroupAttr(s.cfg.ConsumerGroup),
		),
	)
	handler(spanCtx, msg)
	span.End()
}

// Run drives the whole session: connect, subscribe, consume. The client is
// released before Run returns.
func (s *Session) Run(ctx context.Context, handler source.Handler) error {
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Subscribe(ctx); err != nil {
		return err
	}
	return s.Consume(ctx, handler)
}

// Close releases the client. It is safe to call more than once.
func (s *Session) Close() error {
	if s.client != nil {
		s.client.Close()
		s.client = nil
		s.admin = nil
	}
	return nil
}

// groupNotYetCreated reports whether a describe error only means the group has
// never joined. Newer brokers answer GROUP_ID_NOT_FOUND until the first join,
// which happens in Consume.
func groupNotYetCreated(err error) bool {
	return errors.Is(err, kerr.GroupIDNotFound)
}

// IsFatal reports whether a fetch error ends the session. Retriable broker
// errors and data-loss notices are survivable; everything else is not.
func IsFatal(err error) bool {
	var dataLoss *kgo.ErrDataLoss
	if errors.As(err, &dataLoss) {
		return false
	}
	return !kerr.IsRetriable(err)
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lsm/cdctail/internal/source"
)

// Metrics holds the consumer's Prometheus metrics. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	EventsTotal    *prometheus.CounterVec
	DecodeFailures prometheus.Counter
	FetchErrors    *prometheus.CounterVec
	ConsumerErrors *prometheus.CounterVec
	Retries        prometheus.Counter
	Sessions       prometheus.Counter
	SessionPhase   prometheus.Gauge
}

// NewMetrics creates and registers all consumer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdctail_events_total",
			Help: "Change events logged, by payload kind.",
		}, []string{"payload"}),

		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdctail_decode_failures_total",
			Help: "Payloads that were not valid JSON and were logged as raw text.",
		}),

		FetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdctail_fetch_errors_total",
			Help: "Errors returned by broker fetches.",
		}, []string{"fatal"}),

		ConsumerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cdctail_consumer_errors_total",
			Help: "Consumer session failures by the phase they ended in.",
		}, []string{"phase"}),

		Retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdctail_retries_total",
			Help: "Reconnect attempts scheduled after a session failure.",
		}),

		Sessions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cdctail_sessions_total",
			Help: "Consumer sessions created.",
		}),

		SessionPhase: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cdctail_session_phase",
			Help: "Lifecycle phase of the current session (0 idle, 1 connecting, 2 subscribing, 3 consuming, 4 faulted).",
		}),
	}
}

// ObserveEvent counts one logged change event.
func (m *Metrics) ObserveEvent(payloadKind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(payloadKind).Inc()
}

// ObserveDecodeFailure counts one payload that fell back to raw text.
func (m *Metrics) ObserveDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// ObserveFetchError counts one fetch error.
func (m *Metrics) ObserveFetchError(fatal bool) {
	if m == nil {
		return
	}
	label := "false"
	if fatal {
		label = "true"
	}
	m.FetchErrors.WithLabelValues(label).Inc()
}

// ObserveConsumerError counts one failed session.
func (m *Metrics) ObserveConsumerError(phase source.Phase) {
	if m == nil {
		return
	}
	m.ConsumerErrors.WithLabelValues(phase.String()).Inc()
}

// ObserveRetry counts one scheduled reconnect.
func (m *Metrics) ObserveRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}

// ObserveSession counts one new session.
func (m *Metrics) ObserveSession() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

// SetPhase records the current session phase.
func (m *Metrics) SetPhase(p source.Phase) {
	if m == nil {
		return
	}
	m.SessionPhase.Set(float64(p))
}

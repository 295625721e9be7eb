package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes used as the "outcome" label of parley_turns_total
const (
	OutcomeDone         = "done"
	OutcomeEmpty        = "empty"
	OutcomeUpstream     = "upstream_error"
	OutcomeCanceled     = "canceled"
	OutcomePersistError = "persist_error"
	OutcomeRejected     = "rejected"
)

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	turnsTotal      *prometheus.CounterVec
	fragmentsTotal  prometheus.Counter
	persistFailures prometheus.Counter
	turnDuration    prometheus.Histogram

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers every collector against reg
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,

		turnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "turns_total",
				Help:      "Total number of chat turns by outcome",
			},
			[]string{"outcome"},
		),
		fragmentsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "stream_fragments_total",
				Help:      "Total number of LLM fragments forwarded to callers",
			},
		),
		persistFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "parley",
				Name:      "turn_persist_failures_total",
				Help:      "Assistant turns streamed to the caller but not stored",
			},
		),
		turnDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "parley",
				Name:      "turn_duration_seconds",
				Help:      "Duration of a chat turn from first fragment request to completion",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "parley",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "parley",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
	}
}

func (x *Metrics) TurnFinished(outcome string, d time.Duration) {
	if x == nil {
		return
	}
	x.turnsTotal.WithLabelValues(outcome).Inc()
	x.turnDuration.Observe(d.Seconds())
}

// TurnRejected counts a message refused before anything was stored. It has
// no duration.
func (x *Metrics) TurnRejected() {
	if x == nil {
		return
	}
	x.turnsTotal.WithLabelValues(OutcomeRejected).Inc()
}

func (x *Metrics) FragmentStreamed() {
	if x == nil {
		return
	}
	x.fragmentsTotal.Inc()
}

func (x *Metrics) PersistFailed() {
	if x == nil {
		return
	}
	x.persistFailures.Inc()
}

func (x *Metrics) RequestServed(method, route string, status int, d time.Duration) {
	if x == nil {
		return
	}
	x.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	x.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler exposes the registry in the Prometheus text format
func (x *Metrics) Handler() http.Handler {
	if x == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(x.gatherer, promhttp.HandlerOpts{})
}

package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.TurnFinished(metrics.OutcomeDone, time.Second)
	m.TurnFinished(metrics.OutcomeDone, 2*time.Second)
	m.TurnFinished(metrics.OutcomeUpstream, time.Second)
	m.FragmentStreamed()
	m.PersistFailed()
	m.RequestServed(http.MethodGet, "/health", http.StatusOK, time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "parley_turns_total")
	gt.NoError(t, err)
	gt.Equal(t, count, 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	gt.Equal(t, rec.Code, http.StatusOK)

	body, err := io.ReadAll(rec.Body)
	gt.NoError(t, err)
	gt.S(t, string(body)).Contains(`parley_turns_total{outcome="done"} 2`)
	gt.S(t, string(body)).Contains("parley_turn_persist_failures_total 1")
	gt.S(t, string(body)).Contains("parley_stream_fragments_total 1")
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics
	m.TurnFinished(metrics.OutcomeDone, time.Second)
	m.FragmentStreamed()
	m.PersistFailed()
	m.RequestServed(http.MethodGet, "/", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	gt.Equal(t, rec.Code, http.StatusNotFound)
}

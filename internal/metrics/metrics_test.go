package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezonia/peppol-connector/internal/metrics"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()
	m.Webhook("ademico", "status_update")
	m.Webhook("ademico", "status_update")
	m.Send("unit4", "success")
	m.Transition("unit4", "sent", "send")
	m.ObserveJob("process_pending", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.WebhooksTotal.WithLabelValues("ademico", "status_update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendsTotal.WithLabelValues("unit4", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("unit4", "sent", "send")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Webhook("x", "y")
		m.Send("x", "y")
		m.Transition("x", "y", "z")
		m.ObserveJob("x", time.Now())
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New()
	m.Send("recommand", "failure")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `peppol_sends_total{provider="recommand",result="failure"} 1`)
}

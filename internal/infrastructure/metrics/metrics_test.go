package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveMessage("state_change")
	m.ObserveMessage("state_change")
	m.ObserveEnforcement("denied")
	m.ObserveAuthzLookup("hit")
	m.ObserveReconcileFailure("rename")
	m.ObserveCommand("executed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messages.WithLabelValues("state_change")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enforcement.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authzLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileFailure.WithLabelValues("rename")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("executed")))
}

func TestGauges(t *testing.T) {
	m := New()

	m.SetMQTTConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mqttConnected))
	m.SetMQTTConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.mqttConnected))

	m.SetCacheEntries(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(m.cacheEntries))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveMessage("x")
	m.ObserveEnforcement("x")
	m.ObserveAuthzLookup("x")
	m.ObserveReconcileFailure("x")
	m.ObserveCommand("x")
	m.SetMQTTConnected(true)
	m.SetCacheEntries(1)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveMessage("availability")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `devicesync_messages_total{kind="availability"} 1`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

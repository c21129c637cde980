package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.PluginLoaded(true)
	m.PluginLoaded(true)
	m.PluginLoaded(false)
	m.PermissionChecked("api", true)
	m.PermissionChecked("api", false)
	m.PermissionChecked("api", false)
	m.Executed("pricing-sync", 20*time.Millisecond, false)
	m.Executed("pricing-sync", 5*time.Second, true)
	m.HookDispatched("product.updated", true)
	m.SetActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.loads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.loads.WithLabelValues("error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.permChecks.WithLabelValues("api", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("pricing-sync")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hookDispatches.WithLabelValues("product.updated", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.active))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.PluginLoaded(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `mercury_plugin_loads_total{result="ok"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PluginLoaded(true)
		m.SetActive(1)
		m.PermissionChecked("file", false)
		m.Executed("x", time.Second, true)
		m.HookDispatched("e", false)
	})
	assert.Nil(t, m.Registry())
}

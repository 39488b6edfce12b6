package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Logger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		tel, err := New(Config{ServiceName: "idrisk", LogLevel: "debug", LogFormat: format})
		require.NoError(t, err, format)
		assert.NotNil(t, tel.Logger())
		assert.Nil(t, tel.Metrics(), "metrics disabled")
		assert.Nil(t, tel.Gatherer())
	}
}

func TestRecorders(t *testing.T) {
	tel, err := New(Config{ServiceName: "idrisk", MetricsEnabled: true})
	require.NoError(t, err)

	tel.RecordReputationLookup("hit")
	tel.RecordReputationLookup("hit")
	tel.RecordReputationLookup("degraded")
	tel.RecordAssessment("success", 250*time.Millisecond)
	tel.RecordFindingTriggered("SR-01")
	tel.SetHealth("reports", true)

	m := tel.Metrics()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReputationLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReputationLookups.WithLabelValues("degraded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AccountsAssessed.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FindingsTriggered.WithLabelValues("SR-01")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("reports")))
}

func TestRecorders_NilSafe(t *testing.T) {
	var nilTel *Telemetry
	nilTel.RecordReputationLookup("hit")
	nilTel.RecordAssessment("failed", time.Second)

	tel, err := New(Config{})
	require.NoError(t, err)
	tel.RecordFindingTriggered("UR-01")
	tel.RecordRequest("GET", "/health", 200, time.Millisecond)
}

func TestInstancesAreIndependent(t *testing.T) {
	a := NewNop()
	b := NewNop()
	a.RecordReputationLookup("miss")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics().ReputationLookups.WithLabelValues("miss")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Metrics().ReputationLookups.WithLabelValues("miss")))
}

func TestMetricsHandler(t *testing.T) {
	tel := NewNop()
	tel.RecordAssessment("success", time.Second)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `idrisk_accounts_assessed_total{status="success"} 1`)

	disabled, err := New(Config{})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	disabled.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

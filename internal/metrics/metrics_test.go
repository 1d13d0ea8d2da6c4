package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRunAndSync(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.RecordRun(5, 2, 3*time.Second, time.Unix(1700000000, 0))
	m.RecordSync(4, 1, []string{"trades", "trades"})
	m.RecordClassification("accumulation", true, false, false)
	m.RecordClassification("accumulation", false, true, false)
	m.RecordClassification("", false, false, true)
	m.RecordRetry("status_429")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SymbolsProcessed.WithLabelValues("failed")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SnapshotsWritten))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SeriesDegraded.WithLabelValues("trades")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsEmitted.WithLabelValues("accumulation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsSuppressed.WithLabelValues("accumulation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomaliesRejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LastSuccessfulRun), "partial runs do not refresh the health gauge")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRun(1, 0, time.Second, time.Now())
	m.RecordSync(1, 0, nil)
	m.RecordClassification("x", true, false, false)
	m.RecordWhale("accumulation")
	m.RecordRetry("timeout")
	m.RecordDispatch(true)
}

func TestHandlerExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("", reg)
	m.RecordDispatch(true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `cvdwatcher_dispatch_alerts_total{status="sent"} 1`))
}

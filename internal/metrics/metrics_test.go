package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	r := New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	r.CycleCompleted("success", 3*time.Second, at)
	r.CycleCompleted("partial", time.Second, at)
	r.RecordRejected("weather", "out_of_range")
	r.RecordRejected("weather", "out_of_range")
	r.RecordsAccepted("traffic", 5)
	r.Anomaly("usage_spike", "opened")
	r.AlignmentGaps(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.rejections.WithLabelValues("weather", "out_of_range")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.records.WithLabelValues("traffic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.anomalies.WithLabelValues("usage_spike", "opened")))
	assert.Equal(t, 4.0, testutil.ToFloat64(r.alignmentGaps))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(r.lastCycleSuccess))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "evpulse_cycles_total")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.CycleCompleted("failed", time.Second, time.Now())
		r.StationUnit("ok")
		r.RecordsAccepted("weather", 1)
		r.RecordRejected("weather", "x")
		r.Retry("fetch")
		r.Anomaly("usage_spike", "resolved")
		r.Suppressed("usage_spike")
		r.AlignmentGaps(1)
	})
}

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.FrameAcquired()
	m.FrameAcquired()
	m.Skipped(SkipInference)
	m.Published([]string{"normal", "abnormal", "normal"})
	m.ObserveInference(12 * time.Millisecond)
	m.SetState(2)

	assert.EqualValues(t, 2, m.FramesAcquired.Load())
	assert.EqualValues(t, 1, m.ResultsPublished.Load())
	assert.EqualValues(t, 3, m.Detections.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues(SkipInference)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.skipped.WithLabelValues(SkipFrame)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.classifications.WithLabelValues("normal")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.inferenceSeconds))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameAcquired()
		m.Skipped(SkipFrame)
		m.Published([]string{"x"})
		m.ObserveInference(time.Second)
		m.SessionStarted()
		m.SessionFailed()
		m.SetState(5)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SessionStarted()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "detect_sessions_started_total 1"), string(body))
	assert.True(t, strings.Contains(string(body), "detect_session_state 0"))
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionCreated("free")
		m.CodeValidated("ok")
		m.CallStarted()
		m.CallEnded("user_ended")
		m.SignalingMessage("offer", "out")
		m.CandidateBuffered()
		m.MediaWarning("camera")
	})
}

func TestCallGaugeTracksStartAndEnd(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CallStarted()
	m.CallStarted()
	m.CallEnded("remote_left")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callsEnded.WithLabelValues("remote_left")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SessionCreated("paid")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `teleconsult_sessions_created_total{kind="paid"} 1`))
}

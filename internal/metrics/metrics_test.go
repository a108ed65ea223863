package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCounters(t *testing.T) {
	m := New()
	m.SessionStarted("parallel")
	m.SessionStarted("quick_analysis")
	m.SessionFinished("parallel", "completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsStarted.WithLabelValues("parallel")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsFinished.WithLabelValues("parallel", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
}

func TestNilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionStarted("parallel")
		m.AgentTurn("bull", "ok")
		m.Event("agent")
		m.SearchTask("news", "error")
		m.PlanDecision("confirm")
		m.SessionFinished("parallel", "interrupted")
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.SearchTask("news", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `jcp_debate_search_tasks_total{outcome="ok",source="news"} 1`)
}

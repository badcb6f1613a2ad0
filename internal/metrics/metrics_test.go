package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIsolatedPerSet(t *testing.T) {
	a := New()
	b := New()

	a.RunsStarted.Inc()
	a.RunsFinished.WithLabelValues("completed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.RunsStarted))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.RunsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(a.RunsFinished.WithLabelValues("completed")))
}

func TestNilSafeObservers(t *testing.T) {
	var s *Set
	// Must not panic.
	s.ObserveStoreWrite("write_issue")
	s.ObserveProviderEvent("tool_use")
}

func TestHandlerServesScrape(t *testing.T) {
	s := New()
	s.ActiveRuns.Set(2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "jeeves_active_runs 2")
}

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestObserveSource(t *testing.T) {
	m := New()
	m.ObserveSource("markdown-tasks/default", true, "", 3, 1, 20*time.Millisecond)
	m.ObserveSource("calendar/work", false, "adapter_timeout", 0, 0, time.Second)

	out := scrape(t, m)
	assert.Contains(t, out, `vaultsync_entries_upserted_total{source="markdown-tasks/default"} 3`)
	assert.Contains(t, out, `vaultsync_entries_pruned_total{source="markdown-tasks/default"} 1`)
	assert.Contains(t, out, `vaultsync_source_runs_total{kind="adapter_timeout",outcome="failure",source="calendar/work"} 1`)
	assert.NotContains(t, out, `vaultsync_entries_upserted_total{source="calendar/work"}`)
}

func TestObserveCycle(t *testing.T) {
	m := New()
	m.ObserveCycle(0, time.Second)
	m.ObserveCycle(2, time.Second)
	m.ObserveTrigger("http")

	out := scrape(t, m)
	assert.Contains(t, out, `vaultsync_cycles_total{result="ok"} 1`)
	assert.Contains(t, out, `vaultsync_cycles_total{result="partial"} 1`)
	assert.Contains(t, out, `vaultsync_triggers_total{origin="http"} 1`)
	assert.Contains(t, out, `vaultsync_cycle_duration_seconds_count 2`)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSource("a/b", true, "", 1, 1, time.Millisecond)
	m.ObserveCycle(0, time.Millisecond)
	m.ObserveTrigger("cli")
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

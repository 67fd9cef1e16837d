package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordCounters(t *testing.T) {
	m := New()

	m.RecordRuleExecution("applied", "")
	m.RecordRuleExecution("applied", "")
	m.RecordRuleExecution("suppressed", "idempotent")
	m.RecordTaskTransition("claimed")
	m.RecordWriteConflict("task")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RuleExecutionsTotal.WithLabelValues("applied", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleExecutionsTotal.WithLabelValues("suppressed", "idempotent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskTransitionsTotal.WithLabelValues("claimed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteConflictsTotal.WithLabelValues("task")))
}

func TestPrivateRegistries(t *testing.T) {
	// two instances must not collide on registration
	a := New()
	b := New()
	a.RecordTaskTransition("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.TaskTransitionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TaskTransitionsTotal.WithLabelValues("completed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordRuleExecution("applied", "")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 1<<16)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), "workdeck_rule_executions_total")
}

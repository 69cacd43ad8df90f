package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCollector_IndependentRegistries(t *testing.T) {
	// Two collectors must not panic on duplicate registration.
	a := NewCollector("stepflow", zap.NewNop())
	b := NewCollector("stepflow", zap.NewNop())
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_RecordClaim(t *testing.T) {
	c := NewCollector("stepflow", zap.NewNop())
	c.RecordClaim(true)
	c.RecordClaim(true)
	c.RecordClaim(false)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.claimAttemptsTotal.WithLabelValues("won")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.claimAttemptsTotal.WithLabelValues("lost")))
}

func TestCollector_RecordStepExecution(t *testing.T) {
	c := NewCollector("stepflow", zap.NewNop())
	c.RecordStepExecution("local", "completed", 3*time.Second)
	c.RecordStepExecution("local", "failed", time.Second)
	c.RecordStepExecution("remote", "completed", 10*time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepExecutionsTotal.WithLabelValues("local", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepExecutionsTotal.WithLabelValues("remote", "completed")))
}

func TestCollector_RecordLLMTokens(t *testing.T) {
	c := NewCollector("stepflow", zap.NewNop())
	c.RecordLLMTokens("anthropic", "claude-sonnet", 120, 80)
	c.RecordLLMTokens("anthropic", "claude-sonnet", 30, 20)

	assert.Equal(t, float64(150), testutil.ToFloat64(c.llmTokensTotal.WithLabelValues("anthropic", "claude-sonnet", "prompt")))
	assert.Equal(t, float64(100), testutil.ToFloat64(c.llmTokensTotal.WithLabelValues("anthropic", "claude-sonnet", "completion")))
}

func TestCollector_FamiliesGathered(t *testing.T) {
	c := NewCollector("stepflow", zap.NewNop())
	c.RecordHTTPRequest("GET", "/workflows", 200, 10*time.Millisecond)
	c.RecordWorkflowTransition("running")
	c.RecordLoopOutcome("approved", 2)
	c.RecordCallback("accepted")
	c.RecordDBConnections("stepflow", 5, 3)

	families, err := c.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{
		"stepflow_http_requests_total",
		"stepflow_workflow_transitions_total",
		"stepflow_loop_outcomes_total",
		"stepflow_runner_callbacks_total",
		"stepflow_db_connections_open",
	} {
		assert.Contains(t, joined, want)
	}
}

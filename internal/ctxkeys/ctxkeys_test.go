package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRoundTrips(t *testing.T) {
	ctx := context.Background()

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithStepID(ctx, "step-1")

	id, ok := RequestID(ctx)
	require.True(t, ok)
	assert.Equal(t, "req-1", id)

	id, ok = WorkflowID(ctx)
	require.True(t, ok)
	assert.Equal(t, "wf-1", id)

	id, ok = StepID(ctx)
	require.True(t, ok)
	assert.Equal(t, "step-1", id)
}

func TestMissingIDs(t *testing.T) {
	ctx := context.Background()

	_, ok := RequestID(ctx)
	assert.False(t, ok)
	_, ok = WorkflowID(ctx)
	assert.False(t, ok)
	_, ok = StepID(ctx)
	assert.False(t, ok)

	// An empty value reads back as absent.
	_, ok = RequestID(WithRequestID(ctx, ""))
	assert.False(t, ok)
}

func TestFields(t *testing.T) {
	assert.Empty(t, Fields(context.Background()))

	ctx := WithStepID(WithWorkflowID(context.Background(), "wf-1"), "step-1")
	fields := Fields(ctx)
	assert.Equal(t, []zap.Field{
		zap.String("workflow_id", "wf-1"),
		zap.String("step_id", "step-1"),
	}, fields)
}

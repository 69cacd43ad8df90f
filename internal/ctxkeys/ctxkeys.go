// Package ctxkeys defines typed context keys for request-scoped metadata.
package ctxkeys

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	workflowIDKey contextKey = "workflow_id"
	stepIDKey     contextKey = "step_id"
)

// WithRequestID stores the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id, if set.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithWorkflowID stores the workflow id being operated on.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowID returns the workflow id, if set.
func WorkflowID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(workflowIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStepID stores the step id being operated on.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// StepID returns the step id, if set.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Fields renders every id stored in ctx as zap fields, so log lines carry
// the same scope wherever the context travels.
func Fields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if v, ok := RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", v))
	}
	if v, ok := WorkflowID(ctx); ok {
		fields = append(fields, zap.String("workflow_id", v))
	}
	if v, ok := StepID(ctx); ok {
		fields = append(fields, zap.String("step_id", v))
	}
	return fields
}

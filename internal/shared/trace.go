package shared

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type workflowKey struct{}
type rowKeyKey struct{}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithWorkflow attaches the workflow name to the context.
func WithWorkflow(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workflowKey{}, name)
}

// Workflow extracts the workflow name from context. Returns "" if absent.
func Workflow(ctx context.Context) string {
	if v, ok := ctx.Value(workflowKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRowKey attaches the row key being worked on.
func WithRowKey(ctx context.Context, key int64) context.Context {
	return context.WithValue(ctx, rowKeyKey{}, key)
}

// RowKey extracts the row key. The second result is false when absent.
func RowKey(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(rowKeyKey{}).(int64)
	return v, ok
}

package llm

import (
	"context"
	"time"
)

// InvokeRequest carries one gateway invocation. SessionID lets the gateway
// reconstruct multi-turn context from its append-only session log; the
// caller holds no chat history of its own.
type InvokeRequest struct {
	SystemPrompt string
	UserPrompt   string
	Provider     string
	Model        string
	SessionID    string
	// SessionDir overrides where the gateway keeps its per-session log.
	SessionDir string
	// OnChunk, when set, receives incremental output fragments before the
	// final text is returned. Invoked synchronously on the gateway's
	// execution context; subscribers must not block.
	OnChunk func(text string)
}

// InvokeResult is the final output of a gateway invocation. Data always
// contains a fenced JSON block.
type InvokeResult struct {
	Data      string
	Provider  string
	Model     string
	CreatedAt time.Time
}

// Gateway is the unified invocation boundary over heterogeneous model
// backends (CLI wrappers, SDK adapters, remote daemons). Cancellation flows
// through ctx; a cancelled invocation returns ctx.Err().
type Gateway interface {
	// Invoke issues one call and blocks until the final text is available.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)

	// Name returns the gateway's unique provider id.
	Name() string
}

package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/stepflow/llm"
)

// ScriptedResponse is one canned gateway reply.
type ScriptedResponse struct {
	// Chunks are streamed through OnChunk before Data is returned.
	Chunks []string
	// Data is the final response text.
	Data string
	// Err, when set, is returned instead of a result. Chunks and Data are
	// ignored.
	Err error
}

// ScriptedGateway is an llm.Gateway that replays a fixed sequence of
// responses and records every request it receives.
type ScriptedGateway struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []llm.InvokeRequest
}

// NewScriptedGateway creates an empty scripted gateway.
func NewScriptedGateway() *ScriptedGateway {
	return &ScriptedGateway{}
}

// Push appends responses to the script.
func (g *ScriptedGateway) Push(responses ...ScriptedResponse) *ScriptedGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses = append(g.responses, responses...)
	return g
}

// PushData appends plain-text responses to the script.
func (g *ScriptedGateway) PushData(data ...string) *ScriptedGateway {
	for _, d := range data {
		g.Push(ScriptedResponse{Data: d})
	}
	return g
}

// Invoke implements llm.Gateway.
func (g *ScriptedGateway) Invoke(ctx context.Context, req llm.InvokeRequest) (*llm.InvokeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.calls = append(g.calls, req)
	if len(g.responses) == 0 {
		g.mu.Unlock()
		return nil, fmt.Errorf("scripted gateway exhausted after %d calls", len(g.calls))
	}
	next := g.responses[0]
	g.responses = g.responses[1:]
	g.mu.Unlock()

	if next.Err != nil {
		return nil, next.Err
	}
	if req.OnChunk != nil {
		for _, chunk := range next.Chunks {
			req.OnChunk(chunk)
		}
	}
	return &llm.InvokeResult{
		Data:      next.Data,
		Provider:  req.Provider,
		Model:     req.Model,
		CreatedAt: time.Now(),
	}, nil
}

// Name implements llm.Gateway.
func (g *ScriptedGateway) Name() string { return "scripted" }

// Calls returns a copy of every request seen so far.
func (g *ScriptedGateway) Calls() []llm.InvokeRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.InvokeRequest, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount returns the number of requests seen so far.
func (g *ScriptedGateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

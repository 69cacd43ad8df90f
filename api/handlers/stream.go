package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/agentloop"
)

// ChunkHub fans streamed loop chunks out to websocket subscribers keyed by
// step id. Publish never blocks: a subscriber that cannot keep up loses
// chunks rather than stalling the loop.
type ChunkHub struct {
	mu   sync.RWMutex
	subs map[string]map[chan agentloop.Chunk]struct{}
}

// NewChunkHub creates an empty hub.
func NewChunkHub() *ChunkHub {
	return &ChunkHub{subs: make(map[string]map[chan agentloop.Chunk]struct{})}
}

// Publish delivers a chunk to every subscriber of the step.
func (h *ChunkHub) Publish(stepID string, chunk agentloop.Chunk) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[stepID] {
		select {
		case ch <- chunk:
		default:
			// Slow subscriber; drop instead of back-pressuring the loop.
		}
	}
}

// Subscribe registers a buffered channel for the step's chunks. The caller
// must Unsubscribe when done.
func (h *ChunkHub) Subscribe(stepID string) chan agentloop.Chunk {
	ch := make(chan agentloop.Chunk, 64)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[stepID] == nil {
		h.subs[stepID] = make(map[chan agentloop.Chunk]struct{})
	}
	h.subs[stepID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription.
func (h *ChunkHub) Unsubscribe(stepID string, ch chan agentloop.Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[stepID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, stepID)
		}
	}
}

// StreamHandler serves live loop output over websocket.
type StreamHandler struct {
	hub    *ChunkHub
	logger *zap.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(hub *ChunkHub, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{hub: hub, logger: logger}
}

// HandleStream handles GET /workflows/{workflowId}/steps/{stepId}/stream,
// upgrading to websocket and forwarding chunks until the client disconnects.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("stepId")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ch := h.hub.Subscribe(stepID)
	defer h.hub.Unsubscribe(stepID, ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-ch:
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			if err := h.writeWithTimeout(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) writeWithTimeout(ctx context.Context, conn *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

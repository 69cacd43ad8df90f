package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/tlsutil"
	"github.com/BaSui01/stepflow/llm/session"
	"github.com/BaSui01/stepflow/structured"
	"github.com/BaSui01/stepflow/types"
)

// HTTPGatewayConfig configures an HTTPGateway.
type HTTPGatewayConfig struct {
	// Name is the provider id the gateway registers under.
	Name string
	// BaseURL of the messages API, e.g. https://api.anthropic.com.
	BaseURL string
	APIKey  string
	// MaxTokens caps each completion; defaults to 8192.
	MaxTokens int
	Timeout   time.Duration
}

// HTTPGateway invokes a Claude-style messages API over HTTP with SSE
// streaming. Multi-turn context is reconstructed from the session log on
// every call; the gateway itself is stateless between invocations.
type HTTPGateway struct {
	config   HTTPGatewayConfig
	client   *http.Client
	sessions session.Log
	logger   *zap.Logger
}

// NewHTTPGateway creates an HTTPGateway backed by sessions.
func NewHTTPGateway(config HTTPGatewayConfig, sessions session.Log, logger *zap.Logger) *HTTPGateway {
	if config.Name == "" {
		config.Name = "anthropic"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 8192
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		config:   config,
		client:   tlsutil.SecureHTTPClient(config.Timeout),
		sessions: sessions,
		logger:   logger.With(zap.String("component", "http_gateway"), zap.String("provider", config.Name)),
	}
}

// Name implements Gateway.
func (g *HTTPGateway) Name() string { return g.config.Name }

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiRequest struct {
	Model     string       `json:"model"`
	Messages  []apiMessage `json:"messages"`
	System    string       `json:"system,omitempty"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
}

type apiStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
}

type apiErrorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke implements Gateway. Prior turns of the session are replayed into
// the message list, and both the prompt and the final completion are
// appended to the session log afterwards.
func (g *HTTPGateway) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	messages, err := g.history(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	messages = append(messages, apiMessage{Role: "user", Content: req.UserPrompt})

	body := apiRequest{
		Model:     req.Model,
		Messages:  messages,
		System:    req.SystemPrompt,
		MaxTokens: g.config.MaxTokens,
		Stream:    true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}

	endpoint := strings.TrimRight(g.config.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	httpReq.Header.Set("x-api-key", g.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderUnavailable, fmt.Sprintf("gateway request failed: %v", err)).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, g.asError(resp)
	}

	text, err := g.consumeStream(resp.Body, req.OnChunk)
	if err != nil {
		return nil, err
	}

	g.record(ctx, req, text)

	// Re-serialize through the parser so the result always carries one
	// fenced JSON block, whatever shape the backend streamed.
	return &InvokeResult{
		Data:      structured.Fence(structured.Parse(text)),
		Provider:  g.config.Name,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// history rebuilds the API message list from the session log.
func (g *HTTPGateway) history(ctx context.Context, sessionID string) ([]apiMessage, error) {
	if g.sessions == nil || sessionID == "" {
		return nil, nil
	}
	entries, err := g.sessions.Replay(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("replay session %s: %w", sessionID, err)
	}
	messages := make([]apiMessage, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case "user", "assistant":
			messages = append(messages, apiMessage{Role: e.Role, Content: e.Payload})
		}
	}
	return messages, nil
}

// consumeStream reads SSE events until message_stop, forwarding text deltas.
func (g *HTTPGateway) consumeStream(r io.Reader, onChunk func(string)) (string, error) {
	var out strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event apiStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			g.logger.Debug("skipping malformed stream event", zap.String("data", data))
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Text != "" {
				out.WriteString(event.Delta.Text)
				if onChunk != nil {
					onChunk(event.Delta.Text)
				}
			}
		case "message_stop":
			return out.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", types.NewError(types.ErrProviderUnavailable, fmt.Sprintf("stream read failed: %v", err)).WithRetryable(true)
	}
	// Stream ended without an explicit stop event; return what arrived.
	return out.String(), nil
}

// record appends the exchanged turns to the session log. Logging failures
// are reported but do not fail the invocation that already succeeded.
func (g *HTTPGateway) record(ctx context.Context, req InvokeRequest, completion string) {
	if g.sessions == nil || req.SessionID == "" {
		return
	}
	for _, entry := range []session.Entry{
		{Provider: g.config.Name, Model: req.Model, Role: "user", Payload: req.UserPrompt},
		{Provider: g.config.Name, Model: req.Model, Role: "assistant", Payload: completion},
	} {
		if _, err := g.sessions.Append(ctx, req.SessionID, entry); err != nil {
			g.logger.Warn("failed to append session entry",
				zap.String("session_id", req.SessionID),
				zap.Error(err),
			)
			return
		}
	}
}

// asError maps a non-200 response to a typed error.
func (g *HTTPGateway) asError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	var apiErr apiErrorResp
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimited, message).WithRetryable(true).WithHTTPStatus(resp.StatusCode)
	case http.StatusUnauthorized, http.StatusForbidden:
		return types.NewError(types.ErrUnauthorized, message).WithHTTPStatus(resp.StatusCode)
	case http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstreamTimeout, message).WithRetryable(true).WithHTTPStatus(resp.StatusCode)
	default:
		if resp.StatusCode >= 500 {
			return types.NewError(types.ErrProviderUnavailable, message).WithRetryable(true).WithHTTPStatus(resp.StatusCode)
		}
		return types.NewError(types.ErrInvalidRequest, message).WithHTTPStatus(resp.StatusCode)
	}
}

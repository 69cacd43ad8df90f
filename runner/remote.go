package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/internal/tlsutil"
	"github.com/BaSui01/stepflow/types"
)

// RemoteConfig configures the remote dispatcher.
type RemoteConfig struct {
	// Endpoint receives dispatch requests, typically a container launcher.
	Endpoint string
	// CallbackBaseURL is the externally reachable base of this service's
	// API, used to build the callback URL.
	CallbackBaseURL string
	RequestTimeout  time.Duration
}

// dispatchRequest is the payload sent to the remote runner service.
type dispatchRequest struct {
	WorkflowID       string `json:"workflowId"`
	StepID           string `json:"stepId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
	Instructions     string `json:"instructions"`
	AgentType        string `json:"agentType,omitempty"`
	CallbackURL      string `json:"callbackUrl"`
	CallbackToken    string `json:"callbackToken"`
}

// RemoteDispatcher launches an isolated runner for the step and returns
// immediately; the runner reports completion through the callback endpoint.
type RemoteDispatcher struct {
	config RemoteConfig
	tokens *TokenCodec
	client *http.Client
	logger *zap.Logger
}

// NewRemoteDispatcher creates a RemoteDispatcher.
func NewRemoteDispatcher(config RemoteConfig, tokens *TokenCodec, logger *zap.Logger) *RemoteDispatcher {
	timeout := config.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteDispatcher{
		config: config,
		tokens: tokens,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "remote_dispatcher")),
	}
}

// Kind implements Gateway.
func (d *RemoteDispatcher) Kind() string { return "remote" }

// Execute implements Gateway. A successful dispatch returns Dispatched with
// the runner instance id; the scheduler records it before the callback can
// arrive.
func (d *RemoteDispatcher) Execute(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep) (*Execution, error) {
	instanceID := uuid.NewString()

	token, err := d.tokens.Issue(workflow.ID, step.ID, instanceID)
	if err != nil {
		return nil, err
	}

	payload := dispatchRequest{
		WorkflowID:       workflow.ID,
		StepID:           step.ID,
		RunnerInstanceID: instanceID,
		Instructions:     step.Instructions(),
		AgentType:        step.AgentType(),
		CallbackURL: fmt.Sprintf("%s/workflows/%s/steps/%s/callback",
			d.config.CallbackBaseURL, workflow.ID, step.ID),
		CallbackToken: token,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrRunnerCrashed, "dispatch request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, types.NewError(types.ErrRunnerCrashed,
			fmt.Sprintf("runner service returned %d: %s", resp.StatusCode, snippet)).WithRetryable(true)
	}

	d.logger.Info("step dispatched to remote runner",
		zap.String("step_id", step.ID),
		zap.String("runner_instance_id", instanceID),
	)
	return &Execution{Dispatched: true, RunnerInstanceID: instanceID}, nil
}

// Package runner executes claimed steps. Two interchangeable strategies sit
// behind one Gateway interface: an in-process executor that runs the agent
// loop directly, and a remote dispatcher that hands the step to an isolated
// runner which reports back over an authenticated HTTP callback.
package runner

import (
	"context"

	"github.com/BaSui01/stepflow/types"
)

// Execution is the outcome of one Execute call. Either the result is known
// synchronously (Status and Result populated), or the step was dispatched
// and the result will arrive later through the callback endpoint.
type Execution struct {
	// Dispatched marks asynchronous execution. RunnerInstanceID identifies
	// the dispatch so the callback can be validated against it.
	Dispatched       bool
	RunnerInstanceID string

	// Synchronous outcome. Reason explains a failed status.
	Status types.StepStatus
	Result types.JSONMap
	Reason string
}

// Gateway executes one step against its workspace.
type Gateway interface {
	Execute(ctx context.Context, workflow *types.Workflow, step *types.WorkflowStep) (*Execution, error)

	// Kind names the strategy, for logs and metrics.
	Kind() string
}

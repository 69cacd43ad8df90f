// Package scheduler drives workflow execution: a single poll loop finds
// ready steps, claims them through the store's atomic claim, authorizes them
// against the policy hook, and hands them to a runner gateway. Completion is
// reconciled either synchronously or through the remote callback protocol.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/stepflow/internal/metrics"
	"github.com/BaSui01/stepflow/runner"
	"github.com/BaSui01/stepflow/store"
	"github.com/BaSui01/stepflow/types"
	"github.com/BaSui01/stepflow/workspace"
)

// Config tunes the poll loop.
type Config struct {
	// PollInterval is the tick period.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// BatchLimit caps ready steps pulled per tick.
	BatchLimit int `yaml:"batch_limit" json:"batch_limit"`
	// MaxConcurrent bounds in-flight step executions per tick.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// RunnerTimeout is how long a dispatched step may go without a callback
	// before it counts as stuck.
	RunnerTimeout time.Duration `yaml:"runner_timeout" json:"runner_timeout"`
	// MaxRunnerAttempts caps dispatches per step before permanent failure.
	MaxRunnerAttempts int `yaml:"max_runner_attempts" json:"max_runner_attempts"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      3 * time.Second,
		BatchLimit:        10,
		MaxConcurrent:     4,
		RunnerTimeout:     10 * time.Minute,
		MaxRunnerAttempts: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = d.BatchLimit
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RunnerTimeout <= 0 {
		c.RunnerTimeout = d.RunnerTimeout
	}
	if c.MaxRunnerAttempts <= 0 {
		c.MaxRunnerAttempts = d.MaxRunnerAttempts
	}
}

// Scheduler is the poll-loop control plane. One active instance is the
// supported deployment; concurrent instances are safe only as far as the
// claim primitive protects them.
type Scheduler struct {
	service   *Service
	workflows *store.WorkflowStore
	steps     *store.StepStore
	runner    runner.Gateway
	policy    workspace.PolicyHook
	collector *metrics.Collector
	config    Config
	logger    *zap.Logger
}

// New creates a Scheduler. policy may be nil (allow all); collector may be
// nil.
func New(service *Service, workflows *store.WorkflowStore, steps *store.StepStore, gateway runner.Gateway, policy workspace.PolicyHook, collector *metrics.Collector, config Config, logger *zap.Logger) *Scheduler {
	config.applyDefaults()
	if policy == nil {
		policy = workspace.AllowAll{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		service:   service,
		workflows: workflows,
		steps:     steps,
		runner:    gateway,
		policy:    policy,
		collector: collector,
		config:    config,
		logger:    logger.With(zap.String("component", "scheduler")),
	}
}

// Run blocks, ticking until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("batch_limit", s.config.BatchLimit),
		zap.String("runner", s.runner.Kind()),
	)
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}

// Tick runs one scheduling pass: reap stuck remote dispatches, then claim
// and execute ready steps with bounded fan-out. Exposed so tests and manual
// tools can drive the loop without the timer.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.reapStale(ctx); err != nil {
		s.logger.Error("stale dispatch sweep failed", zap.Error(err))
	}

	ready, err := s.steps.FindReady(ctx, s.config.BatchLimit)
	if err != nil {
		return fmt.Errorf("find ready steps: %w", err)
	}
	if len(ready) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)
	for _, step := range ready {
		claimed, err := s.steps.Claim(ctx, step.ID)
		if err != nil {
			s.logger.Error("claim failed", zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		if s.collector != nil {
			s.collector.RecordClaim(claimed)
		}
		if !claimed {
			// Lost the race; someone else has it.
			continue
		}
		step := step
		g.Go(func() error {
			s.executeClaimed(gctx, step)
			return nil
		})
	}
	return g.Wait()
}

// executeClaimed runs one claimed step end to end. Every path out of here
// leaves the step in a defined state; errors are absorbed into step failure
// rather than crashing the loop.
func (s *Scheduler) executeClaimed(ctx context.Context, step *types.WorkflowStep) {
	workflow, err := s.workflows.Get(ctx, step.WorkflowID)
	if err != nil {
		s.failQuietly(ctx, step, fmt.Sprintf("load workflow: %v", err))
		return
	}

	decision, err := s.policy.AuthorizeStep(ctx, workspace.PolicyRequest{
		Workflow: workflow,
		Step:     step,
		Branch:   policyBranch(step),
	})
	if err != nil {
		s.failQuietly(ctx, step, fmt.Sprintf("policy hook error: %v", err))
		return
	}
	if !decision.Allowed {
		reason := decision.Reason
		if reason == "" {
			reason = "rejected by branch policy"
		}
		s.failQuietly(ctx, step, reason)
		return
	}

	started := time.Now()
	attempts := step.RunnerAttempts
	for {
		exec, err := s.runner.Execute(ctx, workflow, step)
		if err == nil {
			if exec.Dispatched {
				if derr := s.steps.DispatchRemote(ctx, step.ID, exec.RunnerInstanceID); derr != nil {
					s.logger.Error("failed to record dispatch",
						zap.String("step_id", step.ID), zap.Error(derr))
				}
				return
			}
			if s.collector != nil {
				s.collector.RecordStepExecution(s.runner.Kind(), string(exec.Status), time.Since(started))
			}
			if cerr := s.service.CompleteStep(ctx, step, exec.Status, exec.Result, exec.Reason); cerr != nil {
				s.logger.Error("failed to apply step result",
					zap.String("step_id", step.ID), zap.Error(cerr))
			}
			return
		}

		// Infrastructure fault. Content decisions never surface as errors.
		attempts++
		if patchErr := s.bumpAttempts(ctx, step.ID, attempts); patchErr != nil {
			s.logger.Error("failed to record attempt",
				zap.String("step_id", step.ID), zap.Error(patchErr))
		}
		if ctx.Err() != nil {
			s.failQuietly(ctx, step, fmt.Sprintf("execution cancelled: %v", err))
			return
		}
		if attempts >= s.config.MaxRunnerAttempts {
			s.failQuietly(ctx, step, fmt.Sprintf("runner crashed after %d attempts: %v", attempts, err))
			return
		}
		s.logger.Warn("runner attempt failed, retrying",
			zap.String("step_id", step.ID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
	}
}

// reapStale retries or fails dispatched steps whose callback never arrived.
func (s *Scheduler) reapStale(ctx context.Context) error {
	stale, err := s.steps.FindStaleRemote(ctx, s.config.RunnerTimeout, s.config.BatchLimit)
	if err != nil {
		return err
	}
	for _, step := range stale {
		if step.RunnerAttempts >= s.config.MaxRunnerAttempts {
			reason := fmt.Sprintf("runner timeout after %d attempts", step.RunnerAttempts)
			if ferr := s.service.FailStep(ctx, step, reason); ferr != nil {
				s.logger.Error("failed to fail timed-out step",
					zap.String("step_id", step.ID), zap.Error(ferr))
			}
			if s.collector != nil {
				s.collector.RecordStepExecution(s.runner.Kind(), string(types.StepFailed), 0)
			}
			continue
		}

		workflow, err := s.workflows.Get(ctx, step.WorkflowID)
		if err != nil {
			s.logger.Error("failed to load workflow for re-dispatch",
				zap.String("step_id", step.ID), zap.Error(err))
			continue
		}
		s.logger.Warn("re-dispatching stuck step",
			zap.String("step_id", step.ID),
			zap.Int("attempts", step.RunnerAttempts),
		)
		exec, err := s.runner.Execute(ctx, workflow, step)
		if err != nil {
			if berr := s.bumpAttempts(ctx, step.ID, step.RunnerAttempts+1); berr != nil {
				s.logger.Error("failed to record attempt",
					zap.String("step_id", step.ID), zap.Error(berr))
			}
			continue
		}
		if exec.Dispatched {
			if derr := s.steps.DispatchRemote(ctx, step.ID, exec.RunnerInstanceID); derr != nil {
				s.logger.Error("failed to record re-dispatch",
					zap.String("step_id", step.ID), zap.Error(derr))
			}
		}
	}
	return nil
}

func (s *Scheduler) bumpAttempts(ctx context.Context, stepID string, attempts int) error {
	_, err := s.steps.Update(ctx, stepID, store.StepPatch{RunnerAttempts: &attempts})
	return err
}

// failQuietly fails the step and logs rather than propagating; one bad step
// must not take the tick down.
func (s *Scheduler) failQuietly(ctx context.Context, step *types.WorkflowStep, reason string) {
	if err := s.service.FailStep(ctx, step, reason); err != nil {
		s.logger.Error("failed to mark step failed",
			zap.String("step_id", step.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func policyBranch(step *types.WorkflowStep) workspace.BranchInfo {
	info := workspace.BranchInfo{}
	if v, ok := step.Data["branch"].(string); ok {
		info.BranchName = v
	}
	if v, ok := step.Data["base_branch"].(string); ok {
		info.BaseBranch = v
	}
	return info
}

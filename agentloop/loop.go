package agentloop

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/llm"
	"github.com/BaSui01/stepflow/llm/retry"
	"github.com/BaSui01/stepflow/structured"
)

// Outcome is the terminal state of a loop run.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeFailed    Outcome = "failed"
	OutcomeMaxRounds Outcome = "max-rounds"
)

// DefaultMaxRounds bounds the negotiation when the caller does not.
const DefaultMaxRounds = 10

// Chunk is one streamed fragment of model output, tagged with enough context
// to attribute it without any other state. Chunks are forwarded to the
// subscriber in arrival order with no buffering.
type Chunk struct {
	Role      string `json:"role"`
	Round     int    `json:"round"`
	Chunk     int    `json:"chunk"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Attempt   int    `json:"attempt"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// WorkerRecord is one worker turn: the raw model text plus its coerced form.
type WorkerRecord struct {
	Round int                   `json:"round"`
	Raw   string                `json:"raw"`
	Turn  structured.WorkerTurn `json:"parsed"`
}

// VerifierRecord is one verifier turn. Synthesized marks the echo turn the
// loop fabricates when a blocked worker short-circuits the round.
type VerifierRecord struct {
	Round       int                     `json:"round"`
	Raw         string                  `json:"raw"`
	Turn        structured.VerifierTurn `json:"parsed"`
	Synthesized bool                    `json:"synthesized,omitempty"`
}

// RoundRecord pairs a worker turn with the verifier turn that judged it.
type RoundRecord struct {
	Round    int             `json:"round"`
	Worker   *WorkerRecord   `json:"worker,omitempty"`
	Verifier *VerifierRecord `json:"verifier,omitempty"`
}

// Result is the full transcript of one loop run. Records are append-only;
// the loop never rewrites an earlier round.
type Result struct {
	Outcome           Outcome         `json:"outcome"`
	Reason            string          `json:"reason"`
	Bootstrap         *VerifierRecord `json:"bootstrap"`
	Rounds            []RoundRecord   `json:"rounds"`
	WorkerSessionID   string          `json:"workerSessionId"`
	VerifierSessionID string          `json:"verifierSessionId"`
	Usage             llm.Usage       `json:"usage"`
}

// Config controls one loop run.
type Config struct {
	// MaxRounds caps worker+verifier rounds; <= 0 selects DefaultMaxRounds.
	MaxRounds int
	// Provider and Model are passed through to the gateway and stamped on
	// every chunk.
	Provider string
	Model    string
	// SessionDir is where the gateway keeps per-session logs.
	SessionDir string
	// OnChunk receives streamed fragments. It runs on the loop's goroutine
	// and must not block.
	OnChunk func(Chunk)
}

// Loop drives verifier-worker runs against a model gateway.
type Loop struct {
	gateway   llm.Gateway
	retryer   retry.Retryer
	estimator *llm.UsageEstimator
	logger    *zap.Logger
}

// New creates a Loop. A nil retryer selects the default gateway policy and a
// nil estimator disables token accounting gracefully.
func New(gateway llm.Gateway, retryer retry.Retryer, estimator *llm.UsageEstimator, logger *zap.Logger) *Loop {
	if retryer == nil {
		retryer = retry.NewRetryer(retry.DefaultGatewayPolicy(), logger)
	}
	if estimator == nil {
		estimator = llm.NewUsageEstimator("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		gateway:   gateway,
		retryer:   retryer,
		estimator: estimator,
		logger:    logger.With(zap.String("component", "agentloop")),
	}
}

// Run executes the protocol: a verifier-only bootstrap, then up to MaxRounds
// worker+verifier rounds. The returned error is non-nil only for
// infrastructure failure; every content decision lands in Result.Outcome.
func (l *Loop) Run(ctx context.Context, task string, cfg Config) (*Result, error) {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	now := time.Now().UnixMilli()
	result := &Result{
		WorkerSessionID:   fmt.Sprintf("%s-%d", RoleWorker, now),
		VerifierSessionID: fmt.Sprintf("%s-%d", RoleVerifier, now),
	}

	bootRaw, err := l.invoke(ctx, RoleVerifier, 0, result.VerifierSessionID,
		verifierSystemPrompt, bootstrapPrompt(task), cfg, result)
	if err != nil {
		return nil, fmt.Errorf("bootstrap verifier call: %w", err)
	}
	boot := structured.CoerceVerifier(structured.Parse(bootRaw))
	result.Bootstrap = &VerifierRecord{Round: 0, Raw: bootRaw, Turn: boot}

	// The bootstrap verdict is informational; only its instructions and
	// critique seed the first round.
	instructions := boot.Instructions
	critique := boot.Critique

	for round := 1; round <= maxRounds; round++ {
		workerRaw, err := l.invoke(ctx, RoleWorker, round, result.WorkerSessionID,
			workerSystemPrompt, workerPrompt(task, instructions, critique), cfg, result)
		if err != nil {
			return nil, fmt.Errorf("worker call round %d: %w", round, err)
		}
		worker := structured.CoerceWorker(structured.Parse(workerRaw))
		record := RoundRecord{
			Round:  round,
			Worker: &WorkerRecord{Round: round, Raw: workerRaw, Turn: worker},
		}

		if worker.Status == structured.WorkerBlocked {
			reason := worker.Requests
			if reason == "" {
				reason = "worker blocked without stating what it needs"
			}
			// Synthesize the verifier echo so the ledger explains the round
			// without an actual verifier call.
			echo := structured.VerifierTurn{
				Verdict:  structured.VerdictFail,
				Critique: reason,
				Priority: 3,
			}
			record.Verifier = &VerifierRecord{
				Round:       round,
				Raw:         structured.Fence(map[string]any{"verdict": "fail", "critique": reason}),
				Turn:        echo,
				Synthesized: true,
			}
			result.Rounds = append(result.Rounds, record)
			result.Outcome = OutcomeFailed
			result.Reason = reason
			l.logger.Info("loop terminated by blocked worker",
				zap.Int("round", round),
				zap.String("reason", reason),
			)
			return result, nil
		}

		verifierRaw, err := l.invoke(ctx, RoleVerifier, round, result.VerifierSessionID,
			verifierSystemPrompt, verifierPrompt(task, workerRaw), cfg, result)
		if err != nil {
			return nil, fmt.Errorf("verifier call round %d: %w", round, err)
		}
		verifier := structured.CoerceVerifier(structured.Parse(verifierRaw))
		record.Verifier = &VerifierRecord{Round: round, Raw: verifierRaw, Turn: verifier}
		result.Rounds = append(result.Rounds, record)

		l.logger.Debug("round completed",
			zap.Int("round", round),
			zap.String("worker_status", string(worker.Status)),
			zap.String("verdict", string(verifier.Verdict)),
		)

		switch verifier.Verdict {
		case structured.VerdictApprove:
			result.Outcome = OutcomeApproved
			result.Reason = verifier.Critique
			return result, nil
		case structured.VerdictFail:
			result.Outcome = OutcomeFailed
			result.Reason = verifier.Critique
			return result, nil
		default:
			instructions = verifier.Instructions
			critique = verifier.Critique
		}
	}

	result.Outcome = OutcomeMaxRounds
	result.Reason = fmt.Sprintf("no approval after %d rounds", maxRounds)
	return result, nil
}

// invoke wraps one gateway call with the retry policy, tags streamed chunks,
// and accumulates the usage estimate.
func (l *Loop) invoke(ctx context.Context, role string, round int, sessionID, systemPrompt, userPrompt string, cfg Config, result *Result) (string, error) {
	attempt := 0
	res, err := l.retryer.DoWithResult(ctx, func() (any, error) {
		attempt++
		chunkIndex := 0
		req := llm.InvokeRequest{
			SystemPrompt: systemPrompt,
			UserPrompt:   userPrompt,
			Provider:     cfg.Provider,
			Model:        cfg.Model,
			SessionID:    sessionID,
			SessionDir:   cfg.SessionDir,
		}
		if cfg.OnChunk != nil {
			tagAttempt := attempt
			req.OnChunk = func(text string) {
				chunkIndex++
				cfg.OnChunk(Chunk{
					Role:      role,
					Round:     round,
					Chunk:     chunkIndex,
					Provider:  cfg.Provider,
					Model:     cfg.Model,
					Attempt:   tagAttempt,
					SessionID: sessionID,
					Text:      text,
				})
			}
		}
		return l.gateway.Invoke(ctx, req)
	})
	if err != nil {
		return "", err
	}

	invoked := res.(*llm.InvokeResult)
	result.Usage.Add(l.estimator.Sample(systemPrompt+"\n"+userPrompt, invoked.Data))
	return invoked.Data, nil
}

package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/stepflow/llm/retry"
	"github.com/BaSui01/stepflow/structured"
	"github.com/BaSui01/stepflow/testutil"
)

func newLoop(gateway *testutil.ScriptedGateway) *Loop {
	retryer := retry.NewRetryer(&retry.Policy{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.0,
	}, zap.NewNop())
	return New(gateway, retryer, nil, zap.NewNop())
}

func TestLoop_ApprovedFirstRound(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "start", "critique": "fresh task"}`,
		`{"status": "done", "work": "implemented the change"}`,
		`{"verdict": "approve", "critique": "done"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "add a flag", Config{
		Provider: "anthropic",
		Model:    "claude-sonnet",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeApproved, result.Outcome)
	assert.Equal(t, "done", result.Reason)
	require.Len(t, result.Rounds, 1)
	assert.Equal(t, structured.WorkerDone, result.Rounds[0].Worker.Turn.Status)
	assert.Equal(t, structured.VerdictApprove, result.Rounds[0].Verifier.Turn.Verdict)
	assert.Equal(t, 3, gateway.CallCount(), "bootstrap plus one round pair")
}

func TestLoop_BlockedWorkerShortCircuits(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "start"}`,
		`{"status": "blocked", "requests": "need API key"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "need API key", result.Reason)
	assert.Equal(t, 2, gateway.CallCount(), "no verifier call for the blocked round")

	require.Len(t, result.Rounds, 1)
	verifier := result.Rounds[0].Verifier
	require.NotNil(t, verifier)
	assert.True(t, verifier.Synthesized)
	assert.Equal(t, structured.VerdictFail, verifier.Turn.Verdict)
	assert.Equal(t, "need API key", verifier.Turn.Critique)
}

func TestLoop_BlockedWithoutRequestsUsesDefaultReason(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct"}`,
		`{"status": "blocked"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.NotEmpty(t, result.Reason)
}

func TestLoop_VerifierFail(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "start"}`,
		`{"status": "done", "work": "wrong approach"}`,
		`{"verdict": "fail", "critique": "misses the point entirely"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "misses the point entirely", result.Reason)
	require.Len(t, result.Rounds, 1)
}

func TestLoop_MaxRoundsExhaustion(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "start"}`,
	)
	for i := 0; i < 3; i++ {
		gateway.PushData(
			`{"status": "working", "work": "more"}`,
			`{"verdict": "instruct", "instructions": "keep going", "critique": "not there yet"}`,
		)
	}

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{MaxRounds: 3})
	require.NoError(t, err)

	assert.Equal(t, OutcomeMaxRounds, result.Outcome)
	assert.Contains(t, result.Reason, "3")
	assert.Len(t, result.Rounds, 3)
	assert.Equal(t, 7, gateway.CallCount(), "bootstrap plus three round pairs")
}

func TestLoop_InstructionsCarryForward(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "first: read the code", "critique": "opening"}`,
		`{"status": "working", "work": "read it"}`,
		`{"verdict": "instruct", "instructions": "second: change it", "critique": "needs edits"}`,
		`{"status": "done", "work": "changed"}`,
		`{"verdict": "approve", "critique": "good"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "my task", Config{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, result.Outcome)

	calls := gateway.Calls()
	require.Len(t, calls, 5)
	// Round 1 worker sees the bootstrap guidance, round 2 worker sees the
	// round-1 verifier guidance.
	assert.Contains(t, calls[1].UserPrompt, "first: read the code")
	assert.Contains(t, calls[1].UserPrompt, "opening")
	assert.Contains(t, calls[3].UserPrompt, "second: change it")
	assert.Contains(t, calls[3].UserPrompt, "needs edits")
	// The verifier sees the worker's raw output verbatim.
	assert.Contains(t, calls[4].UserPrompt, `"status": "done"`)
}

func TestLoop_SessionIDsStablePerRole(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct"}`,
		`{"status": "working"}`,
		`{"verdict": "instruct"}`,
		`{"status": "done"}`,
		`{"verdict": "approve"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)

	calls := gateway.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, result.VerifierSessionID, calls[0].SessionID)
	assert.Equal(t, result.WorkerSessionID, calls[1].SessionID)
	assert.Equal(t, result.VerifierSessionID, calls[2].SessionID)
	assert.Equal(t, result.WorkerSessionID, calls[3].SessionID)
	assert.NotEqual(t, result.WorkerSessionID, result.VerifierSessionID)
	assert.Contains(t, result.WorkerSessionID, "worker-")
	assert.Contains(t, result.VerifierSessionID, "verifier-")
}

func TestLoop_ChunksTagged(t *testing.T) {
	gateway := testutil.NewScriptedGateway().Push(
		testutil.ScriptedResponse{
			Chunks: []string{"thinking", "about it"},
			Data:   `{"verdict": "instruct", "instructions": "go"}`,
		},
		testutil.ScriptedResponse{
			Chunks: []string{"done soon"},
			Data:   `{"status": "done"}`,
		},
		testutil.ScriptedResponse{Data: `{"verdict": "approve"}`},
	)

	var chunks []Chunk
	result, err := newLoop(gateway).Run(context.Background(), "task", Config{
		Provider: "anthropic",
		Model:    "claude-sonnet",
		OnChunk:  func(c Chunk) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, result.Outcome)

	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{
		Role: RoleVerifier, Round: 0, Chunk: 1,
		Provider: "anthropic", Model: "claude-sonnet",
		Attempt: 1, SessionID: result.VerifierSessionID, Text: "thinking",
	}, chunks[0])
	assert.Equal(t, 2, chunks[1].Chunk)
	assert.Equal(t, RoleWorker, chunks[2].Role)
	assert.Equal(t, 1, chunks[2].Round)
	assert.Equal(t, result.WorkerSessionID, chunks[2].SessionID)
}

func TestLoop_GatewayRetryThenSucceed(t *testing.T) {
	gateway := testutil.NewScriptedGateway().Push(
		testutil.ScriptedResponse{Err: errors.New("connection reset")},
		testutil.ScriptedResponse{Data: `{"verdict": "instruct", "instructions": "go"}`},
		testutil.ScriptedResponse{Data: `{"status": "done"}`},
		testutil.ScriptedResponse{Data: `{"verdict": "approve"}`},
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, result.Outcome)
	assert.Equal(t, 4, gateway.CallCount())
}

func TestLoop_RetryExhaustionIsError(t *testing.T) {
	boom := errors.New("provider down")
	gateway := testutil.NewScriptedGateway().Push(
		testutil.ScriptedResponse{Err: boom},
		testutil.ScriptedResponse{Err: boom},
		testutil.ScriptedResponse{Err: boom},
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, result, "infrastructure failure is not a loop outcome")
	assert.Equal(t, 3, gateway.CallCount(), "initial attempt plus two retries")
}

func TestLoop_MalformedOutputDegradesNotCrashes(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		"this is not json at all",
		"neither is this",
		`{"verdict": "approve", "critique": "somehow fine"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, result.Outcome)
	// Garbled worker output coerces to "working" and reaches the verifier.
	assert.Equal(t, structured.WorkerWorking, result.Rounds[0].Worker.Turn.Status)
}

func TestLoop_UsageAccumulated(t *testing.T) {
	gateway := testutil.NewScriptedGateway().PushData(
		`{"verdict": "instruct", "instructions": "go"}`,
		`{"status": "done", "work": "a reasonably long piece of output text"}`,
		`{"verdict": "approve"}`,
	)

	result, err := newLoop(gateway).Run(context.Background(), "task", Config{})
	require.NoError(t, err)
	assert.Greater(t, result.Usage.PromptTokens, 0)
	assert.Greater(t, result.Usage.CompletionTokens, 0)
	assert.Equal(t, result.Usage.PromptTokens+result.Usage.CompletionTokens, result.Usage.TotalTokens)
}

func TestLoop_ContextCancellation(t *testing.T) {
	gateway := testutil.NewScriptedGateway()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newLoop(gateway).Run(ctx, "task", Config{})
	require.Error(t, err)
}

func TestLoop_TerminationProperty(t *testing.T) {
	// Any verdict sequence terminates within maxRounds round pairs.
	verdictSeqs := [][]string{
		{"approve"},
		{"fail"},
		{"instruct", "approve"},
		{"instruct", "instruct", "fail"},
		{"instruct", "instruct", "instruct", "instruct"},
	}
	for _, seq := range verdictSeqs {
		gateway := testutil.NewScriptedGateway().PushData(`{"verdict": "instruct"}`)
		for _, v := range seq {
			gateway.PushData(`{"status": "working"}`, `{"verdict": "`+v+`"}`)
		}

		result, err := newLoop(gateway).Run(context.Background(), "task", Config{MaxRounds: len(seq)})
		require.NoError(t, err)
		assert.Contains(t, []Outcome{OutcomeApproved, OutcomeFailed, OutcomeMaxRounds}, result.Outcome)
		assert.LessOrEqual(t, len(result.Rounds), len(seq))
		assert.LessOrEqual(t, gateway.CallCount(), 1+2*len(seq))
	}
}

package structured

import (
	"strconv"
	"strings"
)

// WorkerStatus is the worker role's self-reported state for a round.
type WorkerStatus string

const (
	WorkerWorking WorkerStatus = "working"
	WorkerDone    WorkerStatus = "done"
	WorkerBlocked WorkerStatus = "blocked"
)

// Verdict is the verifier role's decision for a round.
type Verdict string

const (
	VerdictInstruct Verdict = "instruct"
	VerdictApprove  Verdict = "approve"
	VerdictFail     Verdict = "fail"
)

// WorkerTurn is the typed record coerced from a worker response.
type WorkerTurn struct {
	Status   WorkerStatus `json:"status"`
	Plan     string       `json:"plan,omitempty"`
	Work     string       `json:"work,omitempty"`
	Requests string       `json:"requests,omitempty"`
}

// VerifierTurn is the typed record coerced from a verifier response.
type VerifierTurn struct {
	Verdict      Verdict `json:"verdict"`
	Critique     string  `json:"critique,omitempty"`
	Instructions string  `json:"instructions,omitempty"`
	Priority     int     `json:"priority"`
}

const (
	defaultPriority = 3
	minPriority     = 1
	maxPriority     = 5
)

// CoerceWorker maps a parsed object onto a WorkerTurn. Each field is
// defaulted independently when missing or wrong-typed; an unrecognized
// status degrades to "working" so a garbled turn keeps the loop going and
// lets the verifier judge the content instead.
func CoerceWorker(obj map[string]any) WorkerTurn {
	turn := WorkerTurn{
		Status:   WorkerWorking,
		Plan:     stringField(obj, "plan"),
		Work:     stringField(obj, "work"),
		Requests: stringField(obj, "requests"),
	}
	switch WorkerStatus(strings.ToLower(stringField(obj, "status"))) {
	case WorkerDone:
		turn.Status = WorkerDone
	case WorkerBlocked:
		turn.Status = WorkerBlocked
	}
	return turn
}

// CoerceVerifier maps a parsed object onto a VerifierTurn. An unrecognized
// verdict degrades to "instruct" (another round) rather than a terminal
// decision; priority is clamped to [1, 5] and defaults to 3.
func CoerceVerifier(obj map[string]any) VerifierTurn {
	turn := VerifierTurn{
		Verdict:      VerdictInstruct,
		Critique:     stringField(obj, "critique"),
		Instructions: stringField(obj, "instructions"),
		Priority:     intField(obj, "priority", defaultPriority),
	}
	switch Verdict(strings.ToLower(stringField(obj, "verdict"))) {
	case VerdictApprove:
		turn.Verdict = VerdictApprove
	case VerdictFail:
		turn.Verdict = VerdictFail
	}
	if turn.Priority < minPriority {
		turn.Priority = minPriority
	}
	if turn.Priority > maxPriority {
		turn.Priority = maxPriority
	}
	return turn
}

func stringField(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	return ""
}

func intField(obj map[string]any, key string, fallback int) int {
	switch v := obj[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

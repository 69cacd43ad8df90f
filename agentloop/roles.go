package agentloop

import (
	"fmt"
	"strings"
)

const (
	RoleWorker   = "worker"
	RoleVerifier = "verifier"
)

const workerSystemPrompt = `You are the worker in a two-role coding loop. You receive task
instructions and feedback from a verifier, and you carry out the work.

Respond with a single JSON object:
{
  "status": "working" | "done" | "blocked",
  "plan": "what you intend to do or just did",
  "work": "the actual output of this round",
  "requests": "what you need if blocked, otherwise empty"
}

Use "blocked" only when you cannot proceed without something outside your
control, and name it in "requests".`

const verifierSystemPrompt = `You are the verifier in a two-role coding loop. You receive the
original task and the worker's latest output, and you judge whether the work
satisfies the task.

Respond with a single JSON object:
{
  "verdict": "instruct" | "approve" | "fail",
  "critique": "your assessment of the current state",
  "instructions": "what the worker should do next (when verdict is instruct)",
  "priority": 1-5
}

Approve only when the task is genuinely complete. Fail only when the task
cannot succeed no matter what the worker does next.`

// bootstrapPrompt builds the round-0 verifier prompt. There is no worker
// output yet; the verifier turns the raw task into first instructions.
func bootstrapPrompt(task string) string {
	return fmt.Sprintf("Task:\n%s\n\nNo worker output exists yet. Produce the initial instructions for the worker and your opening critique of the task as given.", task)
}

// workerPrompt builds the round-N worker prompt from the task and the
// verifier's latest guidance.
func workerPrompt(task, instructions, critique string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task:\n%s\n", task)
	if instructions != "" {
		fmt.Fprintf(&b, "\nVerifier instructions:\n%s\n", instructions)
	}
	if critique != "" {
		fmt.Fprintf(&b, "\nVerifier critique of the previous round:\n%s\n", critique)
	}
	return b.String()
}

// verifierPrompt builds the round-N verifier prompt from the worker's raw
// output. The raw text goes through unmodified so the verifier sees exactly
// what the worker produced.
func verifierPrompt(task, workerRaw string) string {
	return fmt.Sprintf("Task:\n%s\n\nWorker output:\n%s\n\nJudge the output against the task.", task, workerRaw)
}

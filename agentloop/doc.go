// Package agentloop runs the bounded verifier-worker negotiation that turns a
// step's free-text instructions into an approved unit of work. The verifier
// bootstraps the exchange, the worker produces work, and the verifier judges
// it each round until it approves, fails, or the round budget runs out.
//
// Content decisions (approve, fail, blocked) are terminal outcomes, never
// errors. Errors returned from Run indicate infrastructure failure, such as a
// gateway call that kept failing after retries.
package agentloop

// Package llm defines the provider invocation boundary of the runtime: the
// Gateway interface every model backend implements, a registry of gateways
// enumerated at startup, and token usage estimation.
//
// Gateways are external collaborators. The runtime never talks to a model
// SDK directly; it hands a system prompt, user prompt, and session id to a
// Gateway and gets text back that is guaranteed to contain a fenced JSON
// block. Retries around gateway calls belong to the caller (see llm/retry),
// not to the gateway.
package llm

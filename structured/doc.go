// Package structured extracts strict-JSON payloads from raw model output and
// coerces them into the typed turn records the agent loop consumes.
//
// Model output is hostile input: providers wrap JSON in prose, fence it,
// nest it inside string fields, or emit nothing parseable at all. Parse
// therefore never fails — in the worst case it degrades to {"text": raw} —
// and the role coercers substitute defaults field by field, so malformed
// output can only produce a low-quality turn, never a crash.
//
// Fence re-serializes a parsed object as a pretty-printed ```json block.
// This is a deliberate normalization boundary: every provider's output looks
// identical downstream of it.
package structured

// Package server manages the HTTP listener lifecycle: non-blocking start,
// graceful shutdown, and signal handling.
package server

// Package api holds the HTTP surface: request/response envelopes and the
// handlers under api/handlers. The scheduler and stores never import this
// package; the dependency points inward only.
package api

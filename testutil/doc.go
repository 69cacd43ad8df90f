// Package testutil provides shared test helpers: bounded test contexts,
// asynchronous assertions, and a scripted model gateway for driving
// agent-loop and runner tests without a live provider.
package testutil

// Package main is the stepflow server entrypoint. It exposes the workflow
// HTTP API, the scheduler poll loop, database migrations, health checks,
// and version information as subcommands.
package main

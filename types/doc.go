// Package types defines the shared data model of the workflow runtime:
// workflows, workflow steps, agent run audit records, planner input types,
// and the unified error structure used across packages.
package types

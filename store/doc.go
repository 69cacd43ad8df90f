// Package store is the persistence layer and the sole mutation point for
// workflows, steps, and agent runs. Concurrency safety rests on a single
// primitive: Claim, a conditional row update that moves a step from pending
// to running exactly once. Everything else is read-modify-write under the
// assumption that only the scheduler and its chosen executor write a given
// step.
package store

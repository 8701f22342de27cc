// Package engine implements the workflow orchestration core: the dependency
// scheduler that layers steps into concurrency-bounded execution batches, the
// retry executor with configurable backoff, the error recovery manager and
// its manual-intervention queue, the rollback manager, and the orchestrator
// that composes them into the full execution state machine.
//
// Control flow: the engine validates the workflow definition, the scheduler
// computes batches, each batch runs through a bounded worker pool, and every
// step failure is routed through the recovery manager which may retry, skip,
// queue a manual intervention, trigger a rollback, or abort the run. The
// engine returns a structured result; step-level failures never propagate as
// raw errors.
package engine

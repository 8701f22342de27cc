// Package telemetry provides the observability layer for Rollout: structured
// logging via zerolog, Prometheus metrics for runs, steps, retries and
// rollbacks, and OpenTelemetry tracing around run, batch, and step execution.
package telemetry

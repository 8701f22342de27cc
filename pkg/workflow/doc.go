// Package workflow defines the data model for Rollout workflows: step and
// dependency definitions, retry and rollback policies, execution results,
// checkpoints, and the classified error taxonomy shared by every engine
// component. Definitions are immutable once a run starts; validation happens
// once at the definition boundary before scheduling begins.
package workflow

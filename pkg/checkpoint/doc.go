// Package checkpoint persists point-in-time workflow progress snapshots for
// resumption. Each checkpoint is one JSON file keyed by its id, so concurrent
// writes from the same run never collide. The checkpoint directory is created
// lazily on the first save.
package checkpoint

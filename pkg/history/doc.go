// Package history persists workflow run records and the append-only
// rollback history in SQLite. It implements the engine's HistoryStore
// interface; the schema is managed through embedded migrations.
package history

// Package backend provides the default engine backends: an exec-based
// operation backend that shells out to an external tool, and a JSON-file
// state backend with timestamped backups.
package backend

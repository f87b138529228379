// Package storage persists scheduler run history.
//
// It supports:
//   - Appending one record per finished run
//   - Listing recent runs, optionally for a single job
//   - Pruning records older than a cutoff (the history_prune job)
package storage

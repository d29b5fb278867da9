// Package retry drains the failure store in the background.
//
// Loop sleeps retry.initial_delay (default 30s), then runs a cycle every
// retry.interval (default 5m). A cycle reads a snapshot of the store, tries
// to publish each record once in order and writes back only the records that
// still failed, through store.Update so appends made meanwhile are kept.
// Nothing is written when nothing changed.
//
// With retry.max_attempts set, each failed cycle increments the record's
// attempt count and the record is dropped once the ceiling is reached.
//
// Trigger requests an immediate cycle (POST /api/v1/retry). Stop waits for
// the goroutine to exit; a publish in flight runs to its own timeout.
package retry

// Package store persists alerts that could not be published so the retry
// loop can redeliver them.
//
// File keeps the records as a pretty-printed JSON array (2-space indent) at
// store.path, default ./failed_alerts/failed_alerts.json. Records are kept in
// append order. Each mutation reads the file, changes the list and rewrites it
// through a temp file and rename, all under one mutex:
//
//   - Append adds a record with a fresh ID, evicting the oldest when
//     store.max_records is set.
//   - ReadAll returns a snapshot. A missing or empty file is an empty list; a
//     corrupt file is read as empty and reported once per distinct content.
//   - ReplaceAll overwrites the list.
//   - Update runs a read-modify-write callback; the retry loop writes back
//     through it so appends made during a cycle survive.
//
// OnChange lets the status stream push an update after every write.
package store

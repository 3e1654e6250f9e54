// Package journal persists the durable side of dossier in SQLite: the case
// registry, archived section versions, and the signal delivery log.
//
// The schema is embedded and versioned; a mismatched database is reported
// rather than migrated. All writes retry on SQLITE_BUSY with bounded backoff
// so the CLI and a running case can share the file.
package journal

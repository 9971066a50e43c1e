// Package stores provides the persistence layer for URIO.
// It includes SQLite-based storage with WAL mode, connection pooling,
// embedded migrations, and the record operations for devices, ingestion
// sessions, uniform resources, transforms, lineage graphs, and
// orchestration state.
//
// Every table carries a common housekeeping envelope (creation, update,
// and soft-deletion timestamps and actors plus an activity log); live
// read paths filter on an unset deletion timestamp. Dedup-sensitive
// writes (resource and transform admission, lineage edges, transition
// records) rely on unique keys and compare-and-insert statements rather
// than read-then-write sequences, so concurrent callers resolve to
// exactly one row.
package stores

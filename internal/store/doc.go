// Package store provides the relational persistence behind funnel.
//
// Three groups of tables live in one database:
//   - Versioned records: live_records holds the current JSON document per
//     (table, id) with its content hash; archive_records keeps every
//     superseded version, ordered by moment and then seq.
//   - Workflow state: workflows and workflow_stages. At most one stage row per
//     (event, workflow, ident_id) may be open (executed_at IS NULL); a partial
//     unique index enforces it.
//   - Bus log: bus_messages and bus_offsets back the store-based event bus.
//
// # Dialects
//
// A DSN starting with postgres:// or postgresql:// opens PostgreSQL through the
// pgx stdlib driver; anything else is treated as a SQLite file path.
// Queries are written with ? placeholders and rebound for PostgreSQL.
//
// # SQLite configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Content hashes are computed by internal/canon (RFC 8785 canonical JSON,
// SHA-256 with domain separation).
package store

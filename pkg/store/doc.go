/*
Package store implements Apex's durable persistence layer on SQLite.

A single database file (<project>/.apex/apex.db, WAL mode) holds every
persisted entity: tasks, dependency edges, append-only logs and artifacts,
checkpoints, approval gates and idle-task candidates. The store is the only
shared-mutable resource in the daemon; all mutations go through it and it
serializes writes. In-memory task values handed out by queries are read-only
snapshots.

# Ordering

Every "by priority" query sorts by the canonical key: priority rank (urgent
first), then effort rank (xs first), then created_at ascending. The ordering
lives in the SQL rather than an in-memory queue so that it survives restarts
and stays consistent with ad-hoc inserts.

# Migrations

Open creates any missing table in full, then inspects the tasks table column
set with PRAGMA table_info and applies additive ALTER TABLE migrations
idempotently. There are no destructive migrations.

# Timestamps

All timestamps are serialized as fixed-width ISO-8601 UTC strings so that
TEXT comparison in SQL matches chronological order, and are re-parsed into
time.Time on read. NULL maps to the zero time.
*/
package store

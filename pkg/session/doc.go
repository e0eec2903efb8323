/*
Package session persists task execution sessions and restores them after
pauses and restarts.

A checkpoint is the unit of recovery: the full conversation plus stage state
at a stage boundary. The database row is authoritative; a JSON sidecar under
the data directory's checkpoints/ folder mirrors it for manual inspection.
RestoreSession decides resumability (recovery enabled, checkpoint fresh
enough, non-empty conversation, stage still known to the workflow) and
returns the reason when a session cannot be resumed rather than guessing.
*/
package session

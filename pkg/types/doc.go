/*
Package types defines the core data structures used throughout Apex.

This package contains the domain model shared by every other package: tasks
and their lifecycle enums, dependencies, checkpoints and conversation
snapshots, approval gates, idle-task candidates, usage accounting, capacity
and health state, and workflow definitions.

All types are designed to be:
  - Serializable (JSON for store rows and checkpoint documents)
  - Passed by value or as read-only snapshots (mutations go through the store)
  - Self-documenting (string enums with validation helpers)

The canonical task ordering used by every "by priority" query is defined here
via PriorityRank and EffortRank: tasks sort by (priority rank, effort rank,
creation time ascending).
*/
package types

/*
Package runner is the scheduling loop of the daemon.

One goroutine polls the store for the highest-priority ready task, gates
dispatch on the usage tracker's admission checks, and hands each task to the
Executor on its own goroutine. The runner owns all status transitions around
execution: pending to in-progress on dispatch, then completed, failed (with
retry), or paused with a checkpoint, depending on the execution result.

The executor is deliberately an interface: the daemon orchestrates, something
else thinks.
*/
package runner

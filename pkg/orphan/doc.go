// Package orphan heals tasks left in-progress by a dead daemon. A task is an
// orphan when it is in-progress, stale past the threshold, and has no live
// executor. The recovery policy decides whether orphans are requeued, failed
// or retried.
package orphan

/*
Package usage tracks resource consumption against configurable limits.

The Tracker is a mutex-guarded accumulator over the set of active tasks:
tokens and estimated cost per task, aggregate daily spend, and counters. It
also owns the usage-mode calendar: when time-based usage is enabled, the
local wall-clock hour selects a day, night or weekend threshold profile, and
mode transitions are published as usage:mode-changed events.

Thresholds resolve in two layers: the global limits, overridden field-wise by
the profile of whichever mode is currently in effect. The tracker answers two
admission questions: CanStartTask (concurrency and daily budget) before
dispatch, and ExceedsTaskLimits (per-task token and cost caps) during
execution.
*/
package usage

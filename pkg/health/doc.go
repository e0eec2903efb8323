/*
Package health watches the daemon's own vitals.

The Monitor runs registered probes on an interval (the store ping is always
present), samples process memory and live task counts, and reports the
aggregate as HealthMetrics. Durable facts live in the Journal, a BoltDB file
(daemon.db) next to the task database: restart history and cumulative check
counters must survive restarts because the watchdog's restart window does.
*/
package health

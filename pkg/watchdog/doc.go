// Package watchdog keeps the daemon core alive. It listens for daemon:error
// events and failed health checks, and restarts the core through the
// supervisor after a delay, bounded by a restart budget over a sliding
// window read from the persistent restart journal.
package watchdog

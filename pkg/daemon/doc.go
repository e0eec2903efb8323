/*
Package daemon is the supervisor tying the components together.

The Daemon moves through stopped, starting, running and stopping; calls in
the wrong state fail with ErrInvalidState and change nothing. Start builds
and launches the component tree in dependency order (store, workflows,
sessions, runner, capacity, resume, health, watchdog, HTTP); Stop tears it
down in reverse. RestartCore, used by the watchdog, is exactly a Stop
followed by a Start, so a core restart heals the same way a process restart
does.
*/
package daemon

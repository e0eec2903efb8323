/*
Package log provides structured logging for Apex built on zerolog.

A single global logger is initialized once by the daemon (or CLI entrypoint)
via Init, then packages derive child loggers carrying stable fields:

	logger := log.WithComponent("runner")
	logger.Info().Str("task_id", id).Msg("task dispatched")

Daemon mode emits JSON lines; interactive commands use the console writer.
*/
package log

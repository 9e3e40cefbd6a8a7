/*
Package log provides structured logging for Lyceum built on zerolog.

Initialise once at startup, then derive component-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel})
	logger := log.WithComponent("queue")
	logger.Info().Str("task_id", id).Msg("Task enqueued")

Console output is the default; JSON output is available for log shippers.
*/
package log

/*
Package log provides structured logging for the migration engine using
zerolog.

A single global logger is initialized once via log.Init with a level,
JSON or console output, and an optional writer. Component and context
helpers (WithComponent, WithJobID, WithIndex, WithAlias) create child
loggers that stamp every line, so job logs can be filtered end to end:

	logger := log.WithComponent("orchestrator")
	logger.Info().Str("job_id", id).Msg("Migration started")
*/
package log

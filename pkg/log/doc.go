/*
Package log provides structured logging for the render-farm worker agent
using zerolog.

The package wraps a single global zerolog.Logger, initialized once via
Init, with helpers for component- and render-node-scoped child loggers.
All log lines carry a timestamp; JSON or console (human-readable) output
is selected at Init time.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("worker starting")

	wlog := log.WithWorker("10.0.0.4:9000")
	wlog.Info().Int("command_id", 7).Msg("command assigned")

Debug level is verbose and intended for development; Info is the default
production level. Fatal logs the message and calls os.Exit(1); no package
in this module calls it, and boot-time failures such as the worker's
PID-directory setup are returned as errors to the caller instead.
*/
package log

/*
Package log provides structured logging for Weir using zerolog.

A single global logger is initialized once at process start; components
derive child loggers carrying their identity so every line is attributable
to a DAG node or endpoint.

# Usage

Initialize at startup:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Derive a component logger:

	logger := log.WithComponent("epoch-manager")
	logger.Info().Uint64("epoch", id).Msg("epoch closed")

Workers use WithNode so log lines interleave legibly across threads;
WithEndpoint and WithEpoch tag the serving and commit paths the same way:

	logger := log.WithNode(handle.String())
	logger.Debug().Int("port", int(port)).Msg("forwarding operation")

	epochLogger := log.WithEpoch(epoch.ID)
	epochLogger.Debug().Msg("segment persisted")

# Levels

debug, info, warn, error. Console output (with colors) is the default;
JSONOutput switches to machine-readable lines for production.
*/
package log

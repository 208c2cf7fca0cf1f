/*
Package log provides structured logging for provisor using zerolog.

Loggers are built once by the binary with New and passed down to every
component through its Config. Nothing in provisor reaches for a global
logger: a component that is not given one logs to zerolog.Nop().

# Configuration

	logger := log.New(log.Config{
		Level:      log.ParseLevel("debug"),
		JSONOutput: true,
	})

Console output (the default) uses zerolog.ConsoleWriter with RFC3339
timestamps; JSON output writes one object per line.

# Context Fields

Child loggers carry the identifiers that make placement traces searchable:

	registryLog := log.WithComponent(logger, "registry")
	agentLog := log.WithAgent(registryLog, slot.AgentID())
	agentLog.Info().Int("limit", 4).Msg("Agent registered")

Field names used across the code base:

	component   registry, dispatch, deploy, peer, scheduler, storage
	deployment  deployment name
	agent_id    agent identity from its handle
	peer_id     coordinator identity
	spec        service key, "deployment/name"
	request_id  placement request id

# Conventions

  - Info for state changes an operator cares about (agent registered,
    ownership changed, deployment deployed)
  - Debug for per-attempt detail (admission rejections, retries)
  - Warn for recoverable failures (placement exhausted, remote call failed)
  - Error for failures that lose work (persistence errors)
*/
package log

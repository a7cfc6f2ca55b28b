// Package substrate is a persistent, self-referential agent shell for Go.
//
// A single host process drives an LLM-backed agent through a repeating
// cognitive cycle whose entire memory lives in a directory of markdown
// files (the substrate). External actors inject messages at any time, humans
// via the local UI and peer agents via the Agora relay; the runtime
// interleaves those injections with the ongoing cycle without losing them
// and without corrupting the substrate.
//
// # Quick Start
//
// Wire the runtime from a resolved config:
//
//	store := substrate.NewStore(cfg.SubstratePath, substrate.WithReadCache())
//	conv := substrate.NewConversationManager(store, logger)
//	launcher := substrate.NewLauncher(sessionCfg, nil, logger)
//	bus := substrate.NewBus(logger)
//	orch := substrate.NewOrchestrator(store, conv, launcher, bus, loopCfg, logger, nil)
//
//	go orch.Run(ctx)
//	orch.Start()
//
// # Core Components
//
//   - [Store]: substrate reads (mtime cache), atomic overwrite, timestamped
//     append with rotation, per-file locking
//   - [ConversationManager]: conversation log with archiving and the Agora
//     inbox sections
//   - [Launcher]: one external reasoning subprocess at a time, with stream
//     parsing, mid-flight injection, and cancellation
//   - [Bus]: typed in-process message broker with pluggable providers
//   - [Orchestrator]: the loop state machine over the Ego, Subconscious,
//     Superego, and Id roles, with watchdog and rate-limit parking
//
// The relay subpackage provides the peer-to-peer side: a stateless envelope
// router and the persistent client. The observer subpackage provides an
// OTEL-backed [Tracer].
//
// See cmd/substrate for the host binary and cmd/agora-relay for the relay.
package substrate

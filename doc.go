// Package loom is a durable execution core for multi-step workflows that
// survive process restarts, resume from any earlier point, and tolerate
// concurrent callers touching the same in-flight execution.
//
// Loom is designed as a library, not a service. Import it, configure a
// store, register workflow definitions, and drive executions through the
// engine handlers.
//
// # Quick Start
//
//	reg := catalog.NewRegistry()
//	reg.Register(&catalog.Definition{
//	    ID:    "onboarding",
//	    Steps: []catalog.Step{{ID: "collect"}, {ID: "verify"}, {ID: "activate"}},
//	})
//
//	codec := token.NewCodec(token.NewStaticKeyring("k1", secret))
//	eng := engine.New(memory.New(), reg, codec)
//
//	cont, err := eng.StartWorkflow(ctx, "onboarding")
//	cont, err = eng.Advance(ctx, cont.StateToken, cont.AckToken, output)
//
// # Architecture
//
// Loom follows a composable store pattern where each subsystem (journal,
// snapshot, pin, gate) defines its own store interface. A single backend
// (memory, filesystem, SQLite, Redis) implements all of them.
//
// Execution state is event-sourced: truth (the node tree, outputs, and
// lineage tips of a session) is always a pure fold over an append-only
// per-session event log, bounded by periodic snapshots. Continuation
// tokens are signed, content-bound capabilities — possessing a valid
// token is the only authorization a caller needs.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, URL-safe
// identifiers.
package loom

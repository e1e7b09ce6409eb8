// Package engine wires the loom subsystems together and provides the
// operations a client drives a workflow session with.
//
// # Building an Engine
//
//	st, err := sqlite.Open("loom.db")
//	if err != nil { ... }
//	if err := st.Migrate(ctx); err != nil { ... }
//
//	reg := catalog.NewRegistry()
//	reg.MustRegister(&catalog.Definition{
//	    ID: "onboarding",
//	    Steps: []catalog.Step{{ID: "collect"}, {ID: "verify"}, {ID: "activate"}},
//	})
//
//	codec := token.NewCodec(token.NewStaticKeyring("k1", secret))
//
//	eng := engine.New(st, reg, codec,
//	    engine.WithLogger(logger),
//	    engine.WithConfig(loom.Config{
//	        LockTTL:       10 * time.Second,
//	        RetryHint:     50 * time.Millisecond,
//	        SnapshotEvery: 16,
//	    }),
//	)
//
// # Driving a Session
//
//	cont, err := eng.StartWorkflow(ctx, "onboarding")
//	for !cont.Complete {
//	    output := execute(cont.Pending)
//	    cont, err = eng.Advance(ctx, cont.StateToken, cont.AckToken, output)
//	}
//
// A client that lost everything but its state token recovers with
// Rehydrate, which never writes:
//
//	cont, err := eng.Rehydrate(ctx, stateToken)
//
// Transports that carry a single request envelope use
// [Engine.ContinueWorkflow], which dispatches on the tokens present.
//
// # Faults
//
// Every error crossing the engine boundary can be classified with
// [loom.Classify]. Session-lock contention is the only retryable kind;
// [Retry] wraps an operation with the appropriate backoff.
package engine

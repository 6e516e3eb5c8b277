// Package session implements the session lifecycle engine.
//
// A session is an isolated desktop made of three resources owned by other
// packages: a display, a copy-on-write filesystem view and, while suspended,
// a checkpoint image. The engine moves each session through
//
//	Active -> Suspending -> Suspended -> Restoring -> Active
//	any    -> Destroying -> Destroyed
//
// and keeps the resources consistent with the status: a live session holds a
// display and a mounted view, a suspended one holds a checkpoint and an
// archive, never both.
//
// Every transition runs under the session's own lock (Registry.Acquire), so
// at most one operation is in flight per session while different sessions
// proceed in parallel. Each operation is bounded by the configured timeout;
// a timeout fails the operation and runs the same rollback as any other
// failure.
//
// Example Usage:
//
//	engine := session.NewEngine(cfg, session.Deps{
//		Filesystem: fsStore,
//		Checkpoint: ckptStore,
//		Display:    allocator,
//	}, logger)
//	if err := engine.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	res, err := engine.Create(ctx, "")
//	_, err = engine.Suspend(ctx, res.SessionID)
//	_, err = engine.Restore(ctx, res.SessionID)
//	_, err = engine.Destroy(ctx, res.SessionID)
package session

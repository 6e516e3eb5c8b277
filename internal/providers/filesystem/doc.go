// Package filesystem isolates each session behind a copy-on-write overlay.
//
// Layout under the sessions root:
//
//	base/                      shared read-only lower layer
//	active/<id>/upper          session-private writable layer
//	active/<id>/work           overlay scratch
//	active/<id>/merged         mount point presented to the session
//	snapshots/<id>/filesystem.tar.zst   archived upper layer while suspended
//
// The store never intercepts writes. Usage is measured on demand by summing
// the upper layer, and the caller decides what to refuse.
//
// Example Usage:
//
//	store := filesystem.NewStore(cfg, filesystem.NewOverlayMounter(), logger)
//	if err := store.CheckCapability(ctx); err != nil {
//		return err
//	}
//	handle, err := store.Materialize(ctx, "sess_01H...")
package filesystem

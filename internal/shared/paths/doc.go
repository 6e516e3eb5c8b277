// Package paths defines the on-disk layout of session state.
//
// # Directory Structure
//
//	<root>/
//	  ├── base/                 (shared read-only lower layer)
//	  ├── active/<id>/          (live sessions)
//	  │   ├── upper/            (private writable layer)
//	  │   ├── work/             (overlay scratch)
//	  │   └── merged/           (mount point presented to the session)
//	  └── snapshots/<id>/       (suspended sessions)
//	      ├── filesystem.tar.zst
//	      ├── checkpoint/       (process images + COMPLETE marker)
//	      └── session.json      (record manifest)
//
// # Usage
//
//	layout := paths.NewLayout("/var/lib/deskd/sessions", "")
//	s := layout.Session("sess_01J...")
//	upper := s.Upper()
package paths

package paths

import (
	"fmt"
	"path/filepath"
	"regexp"
)

// Area directory names under the sessions root.
const (
	BaseDir      = "base"
	ActiveDir    = "active"
	SnapshotsDir = "snapshots"
)

// Per-session entries.
const (
	UpperDir      = "upper"
	WorkDir       = "work"
	MergedDir     = "merged"
	CheckpointDir = "checkpoint"

	ArchiveZstd     = "filesystem.tar.zst"
	ArchivePlain    = "filesystem.tar"
	RecordManifest  = "session.json"
	CompleteMarker  = "COMPLETE"
	CompressedImage = "images.tar.zst"
	RetiredLedger   = "retired.log"
)

// Layout resolves every on-disk location from a sessions root.
type Layout struct {
	Root string
	Base string
}

// NewLayout returns the layout for root. An empty base defaults to <root>/base.
func NewLayout(root, base string) Layout {
	if base == "" {
		base = filepath.Join(root, BaseDir)
	}
	return Layout{Root: root, Base: base}
}

// Active returns the directory holding live session trees.
func (l Layout) Active() string {
	return filepath.Join(l.Root, ActiveDir)
}

// Snapshots returns the directory holding suspended session state.
func (l Layout) Snapshots() string {
	return filepath.Join(l.Root, SnapshotsDir)
}

// Retired returns the ledger of destroyed session ids.
func (l Layout) Retired() string {
	return filepath.Join(l.Root, RetiredLedger)
}

// Session returns the paths for one session.
func (l Layout) Session(id string) Session {
	return Session{
		ID:       id,
		Live:     filepath.Join(l.Active(), id),
		Snapshot: filepath.Join(l.Snapshots(), id),
	}
}

// StandardDirectories returns all directories that must exist before sessions start.
func (l Layout) StandardDirectories() []string {
	return []string{l.Root, l.Base, l.Active(), l.Snapshots()}
}

// Session holds the live and snapshot roots of one session.
type Session struct {
	ID       string
	Live     string
	Snapshot string
}

// Upper returns the session-private writable layer.
func (s Session) Upper() string {
	return filepath.Join(s.Live, UpperDir)
}

// Work returns the overlay scratch directory.
func (s Session) Work() string {
	return filepath.Join(s.Live, WorkDir)
}

// Merged returns the mount point presented to the session.
func (s Session) Merged() string {
	return filepath.Join(s.Live, MergedDir)
}

// Archive returns the archive path for the given compression setting.
func (s Session) Archive(compressed bool) string {
	if compressed {
		return filepath.Join(s.Snapshot, ArchiveZstd)
	}
	return filepath.Join(s.Snapshot, ArchivePlain)
}

// ArchiveCandidates returns archive paths in lookup order.
func (s Session) ArchiveCandidates() []string {
	return []string{s.Archive(true), s.Archive(false)}
}

// Checkpoint returns the checkpoint image directory.
func (s Session) Checkpoint() string {
	return filepath.Join(s.Snapshot, CheckpointDir)
}

// Manifest returns the suspended record manifest path.
func (s Session) Manifest() string {
	return filepath.Join(s.Snapshot, RecordManifest)
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateSessionID checks if a session id is safe for path construction.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if filepath.IsAbs(id) || filepath.Clean(id) != id {
		return fmt.Errorf("session ID contains invalid path components")
	}
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("session ID %q must match %s", id, sessionIDPattern.String())
	}
	return nil
}

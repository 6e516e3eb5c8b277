package types

import (
	"path/filepath"
	"strconv"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuspending Status = "suspending"
	StatusSuspended  Status = "suspended"
	StatusRestoring  Status = "restoring"
	StatusDestroying Status = "destroying"
	StatusDestroyed  Status = "destroyed"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusActive,
		StatusSuspending,
		StatusSuspended,
		StatusRestoring,
		StatusDestroying,
		StatusDestroyed,
	}
}

// IsLive reports whether the session is materialized as running resources.
func (s Status) IsLive() bool {
	return s == StatusActive || s == StatusSuspending
}

// DisplayHandle references an allocated display and its viewing endpoint.
type DisplayHandle struct {
	Number   int    `json:"display_num"`
	VNCPort  int    `json:"vnc_port"`
	Endpoint string `json:"endpoint"`
	// RootPID is the display process whose tree is checkpointed on suspend.
	RootPID int `json:"root_pid"`
}

// DisplayEnv returns the DISPLAY value for processes on this display.
func (h DisplayHandle) DisplayEnv() string {
	return ":" + strconv.Itoa(h.Number)
}

// FilesystemHandle holds the overlay directories of a session.
type FilesystemHandle struct {
	Base    string `json:"base"`
	Upper   string `json:"upper"`
	Work    string `json:"work"`
	Merged  string `json:"merged"`
	Mounted bool   `json:"mounted"`
}

// Env returns environment variables rooting a process inside the merged view.
func (h FilesystemHandle) Env() map[string]string {
	home := filepath.Join(h.Merged, "home", "user")
	tmp := filepath.Join(h.Merged, "tmp")
	return map[string]string{
		"HOME":            home,
		"TMPDIR":          tmp,
		"XDG_CONFIG_HOME": filepath.Join(home, ".config"),
		"XDG_DATA_HOME":   filepath.Join(home, ".local", "share"),
		"XDG_CACHE_HOME":  filepath.Join(home, ".cache"),
		"XDG_RUNTIME_DIR": tmp,
	}
}

// CheckpointHandle references a completed checkpoint image.
type CheckpointHandle struct {
	Dir        string    `json:"dir"`
	SizeBytes  int64     `json:"size_bytes"`
	Compressed bool      `json:"compressed"`
	DumpID     string    `json:"dump_id"`
	CreatedAt  time.Time `json:"created_at"`
	// Limitations lists documented degradations that apply to this image.
	Limitations []string `json:"limitations,omitempty"`
}

// SessionSummary is the read-only view of a session record.
type SessionSummary struct {
	ID                  string    `json:"session_id"`
	Status              Status    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivity        time.Time `json:"last_activity"`
	DisplayEndpoint     string    `json:"display_endpoint,omitempty"`
	StorageUsedBytes    int64     `json:"storage_used_bytes"`
	CheckpointSizeBytes int64     `json:"checkpoint_size_bytes,omitempty"`
	ArchiveSizeBytes    int64     `json:"filesystem_size_bytes,omitempty"`
}

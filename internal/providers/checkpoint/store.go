package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/deskd/internal/shared/archive"
	"github.com/GriffinCanCode/deskd/internal/shared/fault"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

// Declared degradations of a restored tree. A restore that succeeds with
// any of these effects is a correct outcome.
const (
	LimitationTCP = "tcp_connections_best_effort"
	LimitationGPU = "gpu_state_not_restorable"
	LimitationSHM = "shared_memory_restricted"
)

const restoreScratch = "restore"

// Config configures the store.
type Config struct {
	Layout   paths.Layout
	Compress bool
	// TCPEstablished records whether live TCP connections are dumped.
	TCPEstablished bool
}

// Marker is the completion record written after a successful dump.
type Marker struct {
	DumpID      string    `json:"dump_id"`
	SessionID   string    `json:"session_id"`
	RootPID     int       `json:"root_pid"`
	Compressed  bool      `json:"compressed"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	Limitations []string  `json:"limitations"`
}

// Store owns the per-session checkpoint image directories.
type Store struct {
	layout   paths.Layout
	tool     Tool
	compress bool
	tcp      bool
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a checkpoint store.
func NewStore(cfg Config, tool Tool, logger *zap.Logger) *Store {
	return &Store{
		layout:   cfg.Layout,
		tool:     tool,
		compress: cfg.Compress,
		tcp:      cfg.TCPEstablished,
		logger:   logger.Named("checkpoint"),
		now:      time.Now,
	}
}

// CheckCapability verifies the checkpoint engine can run on this host.
func (s *Store) CheckCapability(ctx context.Context) error {
	if err := s.tool.Check(ctx); err != nil {
		return fault.New(fault.CapabilityMissing, "checkpoint_probe", err)
	}
	return nil
}

// Limitations lists the degradations that apply to images from this store.
func (s *Store) Limitations() []string {
	limits := []string{LimitationGPU, LimitationSHM}
	if s.tcp {
		limits = append([]string{LimitationTCP}, limits...)
	}
	return limits
}

// Dump checkpoints the tree rooted at pid into the session's image
// directory. The completion marker is written last, so a crash at any
// earlier point leaves an image that Restore refuses.
func (s *Store) Dump(ctx context.Context, id string, pid int) (types.CheckpointHandle, error) {
	const op = "checkpoint_dump"
	p := s.layout.Session(id)
	dir := p.Checkpoint()

	if err := os.RemoveAll(dir); err != nil {
		return types.CheckpointHandle{}, fault.New(fault.CheckpointFailure, op, err).WithSession(id)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return types.CheckpointHandle{}, fault.New(fault.CheckpointFailure, op, err).WithSession(id)
	}

	start := s.now()
	if err := s.tool.Dump(ctx, DumpRequest{PID: pid, ImageDir: dir}); err != nil {
		s.logFailure(id, err)
		os.RemoveAll(dir)
		return types.CheckpointHandle{}, classify(op, id, StageDump, err)
	}

	if s.compress {
		if err := s.compressImages(ctx, p); err != nil {
			os.RemoveAll(dir)
			return types.CheckpointHandle{}, fault.Wrap(fault.CheckpointFailure, op, err)
		}
	}

	size, err := archive.DirSize(ctx, dir)
	if err != nil {
		os.RemoveAll(dir)
		return types.CheckpointHandle{}, fault.Wrap(fault.CheckpointFailure, op, err)
	}

	marker := Marker{
		DumpID:      uuid.NewString(),
		SessionID:   id,
		RootPID:     pid,
		Compressed:  s.compress,
		SizeBytes:   size,
		CreatedAt:   s.now().UTC(),
		Limitations: s.Limitations(),
	}
	if err := writeMarker(filepath.Join(dir, paths.CompleteMarker), marker); err != nil {
		os.RemoveAll(dir)
		return types.CheckpointHandle{}, fault.New(fault.CheckpointFailure, op, err).WithSession(id)
	}

	s.logger.Info("Checkpoint written",
		zap.String("session_id", id),
		zap.String("dump_id", marker.DumpID),
		zap.Int64("size_bytes", size),
		zap.Bool("compressed", s.compress),
		zap.Strings("limitations", marker.Limitations),
		zap.Duration("duration", s.now().Sub(start)))
	return marker.Handle(dir), nil
}

// Restore recreates the process tree and returns its new root pid. The
// image directory is left intact whether or not the restore succeeds.
func (s *Store) Restore(ctx context.Context, id string) (int, error) {
	const op = "checkpoint_restore"
	dir := s.layout.Session(id).Checkpoint()

	marker, err := s.Load(id)
	if err != nil {
		return 0, err
	}

	imageDir := dir
	if marker.Compressed {
		imageDir = filepath.Join(dir, restoreScratch)
		os.RemoveAll(imageDir)
		if _, err := archive.Unpack(ctx, filepath.Join(dir, paths.CompressedImage), imageDir); err != nil {
			os.RemoveAll(imageDir)
			return 0, fault.Wrap(fault.RestoreFailure, op, err)
		}
		defer os.RemoveAll(imageDir)
	}

	pid, err := s.tool.Restore(ctx, imageDir)
	if err != nil {
		s.logFailure(id, err)
		return 0, classify(op, id, StageRestore, err)
	}

	s.logger.Info("Checkpoint restored",
		zap.String("session_id", id),
		zap.String("dump_id", marker.DumpID),
		zap.Int("root_pid", pid))
	return pid, nil
}

// Load reads the completion marker. A missing or unreadable marker means the
// image is absent or incomplete.
func (s *Store) Load(id string) (types.CheckpointHandle, error) {
	dir := s.layout.Session(id).Checkpoint()
	marker, err := readMarker(filepath.Join(dir, paths.CompleteMarker))
	if err != nil {
		return types.CheckpointHandle{}, fault.New(fault.NoCheckpoint, "checkpoint_load", err).WithSession(id)
	}
	return marker.Handle(dir), nil
}

// Exists reports whether a complete checkpoint exists.
func (s *Store) Exists(id string) bool {
	_, err := s.Load(id)
	return err == nil
}

// Incomplete reports whether an image directory exists without a marker.
func (s *Store) Incomplete(id string) bool {
	if _, err := os.Stat(s.layout.Session(id).Checkpoint()); err != nil {
		return false
	}
	return !s.Exists(id)
}

// Discard deletes the image directory. Discarding nothing is not an error.
func (s *Store) Discard(id string) error {
	if err := os.RemoveAll(s.layout.Session(id).Checkpoint()); err != nil {
		return fault.New(fault.CheckpointFailure, "checkpoint_discard", err).WithSession(id)
	}
	return nil
}

// Terminate kills a tree left stopped by Dump.
func (s *Store) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	return KillTree(pid)
}

// compressImages replaces the raw images with a single zstd archive.
func (s *Store) compressImages(ctx context.Context, p paths.Session) error {
	dir := p.Checkpoint()
	staged := filepath.Join(p.Snapshot, paths.CompressedImage)
	if _, err := archive.Pack(ctx, dir, staged, archive.Options{Compression: archive.Zstd}); err != nil {
		return fmt.Errorf("compress images: %w", err)
	}

	// Keep the engine log next to the archive for operators.
	logData, _ := os.ReadFile(filepath.Join(dir, DumpLog))
	if err := os.RemoveAll(dir); err != nil {
		os.Remove(staged)
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		os.Remove(staged)
		return err
	}
	if logData != nil {
		os.WriteFile(filepath.Join(dir, DumpLog), logData, 0o600)
	}
	return os.Rename(staged, filepath.Join(dir, paths.CompressedImage))
}

func (s *Store) logFailure(id string, err error) {
	fields := []zap.Field{zap.String("session_id", id), zap.Error(err)}
	var f *Failure
	if errors.As(err, &f) {
		fields = append(fields,
			zap.String("stage", string(f.Stage)),
			zap.Int("exit_code", f.ExitCode),
			zap.String("kind", f.Kind.String()),
			zap.String("log_tail", f.LogTail))
	}
	s.logger.Warn("Checkpoint engine failed", fields...)
}

// Handle converts the marker into the handle carried by a session record.
func (m Marker) Handle(dir string) types.CheckpointHandle {
	return types.CheckpointHandle{
		Dir:         dir,
		SizeBytes:   m.SizeBytes,
		Compressed:  m.Compressed,
		DumpID:      m.DumpID,
		CreatedAt:   m.CreatedAt,
		Limitations: m.Limitations,
	}
}

func classify(op, id string, stage Stage, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.New(fault.Timeout, op, err).WithSession(id)
	}
	var f *Failure
	if errors.As(err, &f) {
		return fault.New(f.Kind, op, err).WithSession(id)
	}
	return fault.New(kindForStage(stage), op, err).WithSession(id)
}

func writeMarker(path string, m Marker) error {
	data, err := sonic.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Marker{}, errors.New("checkpoint incomplete or absent")
	}
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	if m.DumpID == "" {
		return Marker{}, errors.New("marker has no dump id")
	}
	return m, nil
}

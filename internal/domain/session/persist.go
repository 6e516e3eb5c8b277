package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/deskd/internal/infrastructure/logging"
	"github.com/GriffinCanCode/deskd/internal/shared/paths"
	"github.com/GriffinCanCode/deskd/internal/shared/types"
)

const recoveryParallelism = 4

// manifest is the record of a suspended session kept next to its snapshot.
type manifest struct {
	SessionID      string    `json:"session_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	SuspendedAt    time.Time `json:"suspended_at"`
	QuotaUsedBytes int64     `json:"quota_used_bytes"`
	ArchiveBytes   int64     `json:"archive_bytes"`
	DumpID         string    `json:"dump_id"`
}

func writeManifest(path string, rec Record) error {
	m := manifest{
		SessionID:      rec.ID,
		CreatedAt:      rec.CreatedAt,
		LastActivity:   rec.LastActivity,
		SuspendedAt:    rec.SuspendedAt,
		QuotaUsedBytes: rec.QuotaUsedBytes,
		ArchiveBytes:   rec.ArchiveBytes,
	}
	if rec.Checkpoint != nil {
		m.DumpID = rec.Checkpoint.DumpID
	}
	data, err := sonic.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func readManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// retire appends a destroyed id to the on-disk ledger so it stays unusable
// across restarts.
func (e *Engine) retire(sessionID string) error {
	e.ledgerMu.Lock()
	defer e.ledgerMu.Unlock()

	f, err := os.OpenFile(e.fs.Layout().Retired(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(sessionID + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func loadRetired(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

// RecoveryReport summarizes what startup recovery found on disk.
type RecoveryReport struct {
	Recovered         []string
	DiscardedPartial  []string
	Skipped           []string
	PurgedLive        []string
	UnmountedLive     []string
	RemovedSnapshots  []string
	RetiredFromLedger int
}

// recover rebuilds the registry from disk. Suspended sessions with a
// complete checkpoint, an archive and a matching manifest come back as
// Suspended. Live trees cannot outlive the daemon and are removed.
func (e *Engine) recover(ctx context.Context) error {
	layout := e.fs.Layout()
	var report RecoveryReport

	retired, err := loadRetired(layout.Retired())
	if err != nil {
		return fmt.Errorf("load retired ids: %w", err)
	}
	e.registry.Retire(retired...)
	report.RetiredFromLedger = len(retired)

	snapshots, err := e.fs.SnapshotIDs()
	if err != nil {
		return fmt.Errorf("scan snapshots: %w", err)
	}
	for _, sessionID := range snapshots {
		e.recoverSnapshot(layout, sessionID, &report)
	}

	live, err := e.fs.LiveIDs()
	if err != nil {
		return fmt.Errorf("scan live trees: %w", err)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryParallelism)
	for _, sessionID := range live {
		mounted, err := e.fs.Mounted(sessionID)
		switch {
		case err != nil:
			e.logger.Warn("Cannot read mount state of orphaned live tree", logging.SessionID(sessionID), zap.Error(err))
		case mounted:
			e.logger.Warn("Orphaned live tree is still mounted, unmounting", logging.SessionID(sessionID))
			report.UnmountedLive = append(report.UnmountedLive, sessionID)
		}
		g.Go(func() error {
			if err := e.fs.Purge(gctx, sessionID); err != nil {
				e.logger.Warn("Failed to remove orphaned live tree", logging.SessionID(sessionID), zap.Error(err))
				return nil
			}
			e.logger.Warn("Removed orphaned live tree", logging.SessionID(sessionID))
			return nil
		})
		report.PurgedLive = append(report.PurgedLive, sessionID)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.metrics.SetSessions(e.registry.Counts())
	e.logger.Info("Recovery finished",
		zap.Int("recovered", len(report.Recovered)),
		zap.Int("discarded_partial", len(report.DiscardedPartial)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("purged_live", len(report.PurgedLive)),
		zap.Int("unmounted_live", len(report.UnmountedLive)),
		zap.Int("retired", report.RetiredFromLedger))
	e.lastRecovery = report
	return nil
}

func (e *Engine) recoverSnapshot(layout paths.Layout, sessionID string, report *RecoveryReport) {
	log := e.logger.With(logging.SessionID(sessionID))

	if e.registry.IsRetired(sessionID) {
		if err := e.fs.RemoveSnapshot(sessionID); err != nil {
			log.Warn("Failed to remove snapshot of retired session", zap.Error(err))
		}
		report.RemovedSnapshots = append(report.RemovedSnapshots, sessionID)
		return
	}

	if e.ckpt.Incomplete(sessionID) {
		log.Warn("Discarding incomplete checkpoint")
		if err := e.ckpt.Discard(sessionID); err != nil {
			log.Warn("Failed to discard incomplete checkpoint", zap.Error(err))
		}
		report.DiscardedPartial = append(report.DiscardedPartial, sessionID)
	}

	ckh, ckErr := e.ckpt.Load(sessionID)
	hasArchive := e.fs.HasArchive(sessionID)
	if ckErr != nil && !hasArchive {
		if err := e.fs.RemoveSnapshot(sessionID); err != nil {
			log.Warn("Failed to remove empty snapshot", zap.Error(err))
		}
		report.RemovedSnapshots = append(report.RemovedSnapshots, sessionID)
		return
	}

	m, err := readManifest(layout.Session(sessionID).Manifest())
	switch {
	case err != nil:
		log.Warn("Snapshot has no readable manifest, leaving it for inspection", zap.Error(err))
	case ckErr != nil:
		log.Warn("Snapshot has no complete checkpoint, leaving it for inspection", zap.Error(ckErr))
	case !hasArchive:
		log.Warn("Snapshot has no filesystem archive, leaving it for inspection")
	case m.SessionID != sessionID || m.DumpID != ckh.DumpID:
		log.Warn("Manifest does not match checkpoint, leaving it for inspection",
			zap.String("manifest_dump_id", m.DumpID), zap.String("checkpoint_dump_id", ckh.DumpID))
	default:
		rec := Record{
			ID:             sessionID,
			Status:         types.StatusSuspended,
			CreatedAt:      m.CreatedAt,
			LastActivity:   m.LastActivity,
			SuspendedAt:    m.SuspendedAt,
			Checkpoint:     &ckh,
			QuotaUsedBytes: m.QuotaUsedBytes,
			ArchiveBytes:   m.ArchiveBytes,
		}
		if err := e.registry.Insert(rec); err != nil {
			log.Warn("Failed to register recovered session", zap.Error(err))
			report.Skipped = append(report.Skipped, sessionID)
			return
		}
		e.quota.SetLive(sessionID, m.QuotaUsedBytes)
		e.quota.SetSuspended(sessionID, ckh.SizeBytes+m.ArchiveBytes)
		e.publish(sessionID, "", types.StatusSuspended, ReasonRecovery)
		report.Recovered = append(report.Recovered, sessionID)
		return
	}
	report.Skipped = append(report.Skipped, sessionID)
}

// LastRecovery returns the report of the most recent Start.
func (e *Engine) LastRecovery() RecoveryReport {
	return e.lastRecovery
}

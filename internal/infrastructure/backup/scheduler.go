package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/pkg/backup"

	"go.uber.org/zap"
)

type SnapshotSource interface {
	Snapshot(ctx context.Context) (*domain.StateSnapshot, error)
}

// Scheduler periodically writes ledger snapshots and prunes old ones.
type Scheduler struct {
	backupService *backup.BackupService
	source        SnapshotSource
	interval      time.Duration
	retention     int
	logger        *zap.SugaredLogger
	stopChan      chan struct{}
	stopOnce      sync.Once

	mu          sync.Mutex
	lastVersion uint64
	written     bool
}

type Config struct {
	Interval  time.Duration
	Retention int // snapshots kept; 0 keeps all
}

func NewScheduler(backupService *backup.BackupService, source SnapshotSource, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		backupService: backupService,
		source:        source,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
}

// Start blocks until Stop or ctx cancellation, writing a snapshot every interval.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runBackup(ctx)

	for {
		select {
		case <-ticker.C:
			s.runBackup(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Scheduler) runBackup(ctx context.Context) {
	name, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Errorw("Scheduled snapshot failed", "error", err)
		return
	}
	if name != "" {
		s.logger.Infow("Snapshot written", "backup_name", name)
	}
}

// RunOnce writes a snapshot unless the ledger has not moved since the last one.
// It returns the new backup name, or "" when skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.source.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to take snapshot: %w", err)
	}
	if s.written && snap.Version == s.lastVersion {
		s.logger.Debugw("Ledger unchanged, skipping snapshot", "version", snap.Version)
		return "", nil
	}

	name, err := s.backupService.CreateBackup(ctx, snap, map[string]interface{}{
		"entries":     len(snap.Entries),
		"backup_type": "scheduled",
	})
	if err != nil {
		return "", err
	}
	s.lastVersion = snap.Version
	s.written = true

	if err := s.cleanupOldBackups(ctx); err != nil {
		s.logger.Warnw("Failed to prune old snapshots", "error", err)
	}
	return name, nil
}

func (s *Scheduler) cleanupOldBackups(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	names, err := s.backupService.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) <= s.retention {
		return nil
	}

	for _, name := range names[:len(names)-s.retention] {
		if err := s.backupService.DeleteBackup(ctx, name); err != nil {
			s.logger.Warnw("Failed to delete old snapshot", "backup_name", name, "error", err)
			continue
		}
		s.logger.Debugw("Deleted old snapshot", "backup_name", name)
	}
	return nil
}

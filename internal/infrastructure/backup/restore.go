package backup

import (
	"context"
	"fmt"
	"time"

	"ticksettle/internal/core/ports"
	"ticksettle/pkg/backup"

	"go.uber.org/zap"
)

// RestoreService loads snapshots into an empty state store at startup.
type RestoreService struct {
	backupService *backup.BackupService
	store         ports.StateStore
	logger        *zap.SugaredLogger
}

func NewRestoreService(backupService *backup.BackupService, store ports.StateStore, logger *zap.SugaredLogger) *RestoreService {
	return &RestoreService{
		backupService: backupService,
		store:         store,
		logger:        logger,
	}
}

// RestoreFromBackup restores the named snapshot. The store must be empty.
func (rs *RestoreService) RestoreFromBackup(ctx context.Context, name string) error {
	rs.logger.Infow("Starting restore", "backup_name", name)

	data, err := rs.backupService.RestoreBackup(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load backup: %w", err)
	}
	if data.Version == "" {
		return fmt.Errorf("invalid backup: missing version")
	}

	if err := rs.store.Restore(ctx, data.Snapshot); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	rs.logger.Infow("Restore completed",
		"backup_name", name,
		"version", data.Snapshot.Version,
		"entries", len(data.Snapshot.Entries),
	)
	return nil
}

// RestoreLatest restores the newest snapshot if the store is empty. It reports
// whether anything was restored.
func (rs *RestoreService) RestoreLatest(ctx context.Context) (bool, error) {
	version, err := rs.store.Version(ctx)
	if err != nil {
		return false, err
	}
	if version != 0 {
		rs.logger.Infow("State store already populated, skipping restore", "version", version)
		return false, nil
	}

	names, err := rs.backupService.ListBackups(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list backups: %w", err)
	}
	if len(names) == 0 {
		return false, nil
	}
	if err := rs.RestoreFromBackup(ctx, names[len(names)-1]); err != nil {
		return false, err
	}
	return true, nil
}

// FindBackupByTime finds the newest backup taken at or before targetTime.
func (rs *RestoreService) FindBackupByTime(ctx context.Context, targetTime time.Time) (string, error) {
	names, err := rs.backupService.ListBackups(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list backups: %w", err)
	}

	var closest string
	for _, name := range names {
		ts, err := backup.BackupTime(name)
		if err != nil {
			continue
		}
		if ts.After(targetTime) {
			break
		}
		closest = name
	}

	if closest == "" {
		return "", fmt.Errorf("no backup found before or at target time: %v", targetTime)
	}
	return closest, nil
}

package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"ticksettle/internal/core/domain"

	"lukechampine.com/blake3"
)

const (
	namePrefix = "snapshot-"
	timeLayout = "20060102-150405"
)

var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// BackupData is the on-disk envelope of one ledger snapshot.
type BackupData struct {
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checksum  string                 `json:"checksum"`
	Snapshot  *domain.StateSnapshot  `json:"snapshot"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

type BackupService struct {
	storage Storage
	version string
	clock   func() time.Time
}

func NewBackupService(storage Storage, version string) *BackupService {
	return &BackupService{
		storage: storage,
		version: version,
		clock:   time.Now,
	}
}

// CreateBackup writes snapshot and returns the backup name. Names sort in
// creation order.
func (bs *BackupService) CreateBackup(ctx context.Context, snapshot *domain.StateSnapshot, metadata map[string]interface{}) (string, error) {
	sum, err := checksum(snapshot)
	if err != nil {
		return "", err
	}
	data := &BackupData{
		Version:   bs.version,
		Timestamp: bs.clock().UTC(),
		Checksum:  sum,
		Snapshot:  snapshot,
		Metadata:  metadata,
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := fmt.Sprintf("%s%s-v%020d.json", namePrefix, data.Timestamp.Format(timeLayout), snapshot.Version)
	if err := bs.storage.Save(ctx, name, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads a backup and verifies its checksum.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var data BackupData
	if err := json.NewDecoder(reader).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup data: %w", err)
	}
	if data.Snapshot == nil {
		return nil, fmt.Errorf("invalid backup %s: missing snapshot", name)
	}

	sum, err := checksum(data.Snapshot)
	if err != nil {
		return nil, err
	}
	if sum != data.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrChecksumMismatch, name)
	}
	return &data, nil
}

// ListBackups returns backup names oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, namePrefix)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (bs *BackupService) LatestBackup(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("no backups found")
	}
	return names[len(names)-1], nil
}

func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}

// BackupTime parses the creation time encoded in a backup name.
func BackupTime(name string) (time.Time, error) {
	rest := strings.TrimPrefix(name, namePrefix)
	if len(rest) < len(timeLayout) || rest == name {
		return time.Time{}, fmt.Errorf("not a backup name: %s", name)
	}
	return time.Parse(timeLayout, rest[:len(timeLayout)])
}

func checksum(snapshot *domain.StateSnapshot) (string, error) {
	h := blake3.New(32, nil)
	if err := json.NewEncoder(h).Encode(snapshot.Entries); err != nil {
		return "", fmt.Errorf("failed to hash snapshot: %w", err)
	}
	fmt.Fprintf(h, "%d", snapshot.Version)
	return hex.EncodeToString(h.Sum(nil)), nil
}

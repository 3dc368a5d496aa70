package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
	"ticksettle/pkg/tracing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Open opens the sqlite database at dsn and migrates the archive schema.
func Open(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create archive directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate archive database: %w", err)
	}
	return db, nil
}

type paymentArchive struct {
	db    *gorm.DB
	clock func() time.Time
}

func NewPaymentArchive(db *gorm.DB) ports.PaymentArchive {
	return &paymentArchive{db: db, clock: time.Now}
}

// Store is idempotent on the record sequence number.
func (a *paymentArchive) Store(ctx context.Context, record *domain.PaymentRecord) error {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "insert", "payments")
	defer span.End()

	row := rowFromRecord(record, a.clock().UTC())
	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(row).Error
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("archive payment %d: %w", record.Seq, err)
	}
	return nil
}

func (a *paymentArchive) Query(ctx context.Context, filter domain.PaymentFilter) ([]*domain.PaymentRecord, error) {
	ctx, span := tracing.TraceDatabaseOperation(ctx, "select", "payments")
	defer span.End()

	q := a.db.WithContext(ctx).Model(&PaymentRow{}).Where("seq > ?", filter.AfterSeq)
	if filter.Payer != "" {
		q = q.Where("payer = ?", string(filter.Payer))
	}
	if filter.Payee != "" {
		q = q.Where("payee = ?", string(filter.Payee))
	}
	if filter.StreamID != "" {
		q = q.Where("stream_id = ?", string(filter.StreamID))
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []PaymentRow
	if err := q.Order("seq ASC").Find(&rows).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query payments: %w", err)
	}

	records := make([]*domain.PaymentRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].record()
		if err != nil {
			return nil, fmt.Errorf("decode payment %d: %w", rows[i].Seq, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (a *paymentArchive) LastSeq(ctx context.Context) (uint64, error) {
	var row PaymentRow
	err := a.db.WithContext(ctx).Order("seq DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read last archived payment: %w", err)
	}
	return row.Seq, nil
}

// Cursor is a relay cursor stored alongside the archived rows.
type Cursor struct {
	db   *gorm.DB
	name string
}

func NewCursor(db *gorm.DB, name string) *Cursor {
	return &Cursor{db: db, name: name}
}

func (c *Cursor) Load(ctx context.Context) (uint64, error) {
	var row RelayCursor
	err := c.db.WithContext(ctx).Where("name = ?", c.name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.Seq, nil
}

func (c *Cursor) Save(ctx context.Context, seq uint64) error {
	row := RelayCursor{Name: c.name, Seq: seq, UpdatedAt: time.Now().UTC()}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"seq", "updated_at"}),
		}).
		Create(&row).Error
}

// Ping reports whether the database answers queries.
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

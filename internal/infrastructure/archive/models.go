package archive

import (
	"strconv"
	"time"

	"ticksettle/internal/core/domain"

	"gorm.io/gorm"
)

// PaymentRow is the archived form of a payment record. Amounts are stored as
// decimal text because sqlite integers are signed 64 bit.
type PaymentRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	ID        string `gorm:"size:36;uniqueIndex"`
	Payer     string `gorm:"size:128;index"`
	Payee     string `gorm:"size:128;index"`
	StreamID  string `gorm:"size:128;index"`
	Amount    string `gorm:"size:20;not null"`
	TickCount uint64 `gorm:"not null"`
	FromTick  uint64
	ToTick    uint64
	PrevHash  string `gorm:"size:64"`
	Hash      string `gorm:"size:64;not null"`
	CreatedAt time.Time
	// ArchivedAt is when the row was written, not part of the ledger record.
	ArchivedAt time.Time
}

func (PaymentRow) TableName() string { return "payments" }

// RelayCursor stores how far a fact relay feeding this database has read.
type RelayCursor struct {
	Name      string `gorm:"primaryKey;size:64"`
	Seq       uint64
	UpdatedAt time.Time
}

func (RelayCursor) TableName() string { return "relay_cursors" }

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PaymentRow{}, &RelayCursor{})
}

func rowFromRecord(record *domain.PaymentRecord, now time.Time) *PaymentRow {
	return &PaymentRow{
		Seq:        record.Seq,
		ID:         record.ID,
		Payer:      string(record.Payer),
		Payee:      string(record.Payee),
		StreamID:   string(record.StreamID),
		Amount:     strconv.FormatUint(uint64(record.Amount), 10),
		TickCount:  record.TickCount,
		FromTick:   record.FromTick,
		ToTick:     record.ToTick,
		PrevHash:   record.PrevHash,
		Hash:       record.Hash,
		CreatedAt:  record.CreatedAt,
		ArchivedAt: now,
	}
}

func (r *PaymentRow) record() (*domain.PaymentRecord, error) {
	amount, err := strconv.ParseUint(r.Amount, 10, 64)
	if err != nil {
		return nil, err
	}
	return &domain.PaymentRecord{
		Seq:       r.Seq,
		ID:        r.ID,
		Payer:     domain.AccountID(r.Payer),
		Payee:     domain.AccountID(r.Payee),
		StreamID:  domain.StreamID(r.StreamID),
		Amount:    domain.Amount(amount),
		TickCount: r.TickCount,
		FromTick:  r.FromTick,
		ToTick:    r.ToTick,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
		CreatedAt: r.CreatedAt.UTC(),
	}, nil
}

package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/infrastructure/distributed"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func setupArchiveDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { Close(db) })
	return db
}

func record(seq uint64, payer, payee domain.AccountID, stream domain.StreamID, amount domain.Amount) *domain.PaymentRecord {
	return &domain.PaymentRecord{
		Seq:       seq,
		ID:        uuid.NewString(),
		Payer:     payer,
		Payee:     payee,
		StreamID:  stream,
		Amount:    amount,
		TickCount: 3,
		FromTick:  0,
		ToTick:    3,
		Hash:      fmt.Sprintf("%064d", seq),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, int(seq), 0, time.UTC),
	}
}

func TestPaymentArchive_StoreIsIdempotent(t *testing.T) {
	ctx := context.Background()
	archive := NewPaymentArchive(setupArchiveDB(t))

	r := record(1, "alice", "carol", "s1", 30)
	require.NoError(t, archive.Store(ctx, r))
	require.NoError(t, archive.Store(ctx, r))

	got, err := archive.Query(ctx, domain.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, r, got[0])
}

func TestPaymentArchive_QueryFilters(t *testing.T) {
	ctx := context.Background()
	archive := NewPaymentArchive(setupArchiveDB(t))

	require.NoError(t, archive.Store(ctx, record(1, "alice", "carol", "s1", 10)))
	require.NoError(t, archive.Store(ctx, record(2, "bob", "carol", "s1", 20)))
	require.NoError(t, archive.Store(ctx, record(3, "alice", "dave", "s2", 30)))
	require.NoError(t, archive.Store(ctx, record(4, "alice", "carol", "s1", 40)))

	seqs := func(filter domain.PaymentFilter) []uint64 {
		got, err := archive.Query(ctx, filter)
		require.NoError(t, err)
		out := make([]uint64, 0, len(got))
		for _, r := range got {
			out = append(out, r.Seq)
		}
		return out
	}

	assert.Equal(t, []uint64{1, 3, 4}, seqs(domain.PaymentFilter{Payer: "alice"}))
	assert.Equal(t, []uint64{1, 2, 4}, seqs(domain.PaymentFilter{Payee: "carol"}))
	assert.Equal(t, []uint64{3}, seqs(domain.PaymentFilter{StreamID: "s2"}))
	assert.Equal(t, []uint64{3, 4}, seqs(domain.PaymentFilter{AfterSeq: 2}))
	assert.Equal(t, []uint64{1, 2}, seqs(domain.PaymentFilter{Limit: 2}))

	last, err := archive.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)
}

func TestPaymentArchive_FullRangeAmount(t *testing.T) {
	ctx := context.Background()
	archive := NewPaymentArchive(setupArchiveDB(t))

	require.NoError(t, archive.Store(ctx, record(1, "alice", "carol", "s1", domain.Amount(math.MaxUint64))))

	got, err := archive.Query(ctx, domain.PaymentFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Amount(math.MaxUint64), got[0].Amount)
}

func TestPaymentArchive_EmptyLastSeq(t *testing.T) {
	last, err := NewPaymentArchive(setupArchiveDB(t)).LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestCursor_LoadSave(t *testing.T) {
	ctx := context.Background()
	cursor := NewCursor(setupArchiveDB(t), "archive")

	seq, err := cursor.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, cursor.Save(ctx, 5))
	require.NoError(t, cursor.Save(ctx, 9))
	seq, err = cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), seq)
}

type factList []*domain.Fact

func (f factList) FactsAfter(ctx context.Context, seq uint64, limit int) ([]*domain.Fact, error) {
	var out []*domain.Fact
	for _, fact := range f {
		if fact.Seq > seq && len(out) < limit {
			out = append(out, fact)
		}
	}
	return out, nil
}

func paymentFact(t *testing.T, seq uint64, r *domain.PaymentRecord) *domain.Fact {
	payload, err := json.Marshal(domain.PaymentProcessed{Record: *r})
	require.NoError(t, err)
	return &domain.Fact{Seq: seq, Type: domain.FactPaymentProcessed, Payload: payload}
}

func TestArchiver_MirrorsPaymentFactsThroughRelay(t *testing.T) {
	ctx := context.Background()
	db := setupArchiveDB(t)
	archive := NewPaymentArchive(db)
	logger := zaptest.NewLogger(t).Sugar()

	facts := factList{
		{Seq: 1, Type: domain.FactViewerJoined},
		paymentFact(t, 2, record(1, "alice", "carol", "s1", 10)),
		{Seq: 3, Type: domain.FactTickRecorded},
		paymentFact(t, 4, record(2, "alice", "carol", "s1", 20)),
	}

	archived := 0
	archiver := NewArchiver(archive, logger)
	archiver.OnArchived(func(n int) { archived += n })

	cursor := NewCursor(db, "archive")
	relay := distributed.NewFactRelay(facts, archiver, cursor, distributed.RelayConfig{Name: "archive", BatchSize: 2}, logger)

	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 2, archived)

	last, err := archive.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	seq, err := cursor.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

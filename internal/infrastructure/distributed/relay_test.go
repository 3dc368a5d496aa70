package distributed

import (
	"context"
	"errors"
	"testing"

	"ticksettle/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sliceSource struct {
	facts []*domain.Fact
}

func (s *sliceSource) FactsAfter(ctx context.Context, seq uint64, limit int) ([]*domain.Fact, error) {
	var out []*domain.Fact
	for _, f := range s.facts {
		if f.Seq > seq && len(out) < limit {
			out = append(out, f)
		}
	}
	return out, nil
}

func factsUpTo(n uint64) []*domain.Fact {
	facts := make([]*domain.Fact, 0, n)
	for i := uint64(1); i <= n; i++ {
		facts = append(facts, &domain.Fact{Seq: i, Type: domain.FactTickRecorded})
	}
	return facts
}

func TestFactRelay_DeliversInOrderAcrossBatches(t *testing.T) {
	source := &sliceSource{facts: factsUpTo(7)}
	var seen []uint64
	sink := SinkFunc(func(ctx context.Context, fact *domain.Fact) error {
		seen = append(seen, fact.Seq)
		return nil
	})
	cursor := &MemoryCursor{}
	relay := NewFactRelay(source, sink, cursor, RelayConfig{Name: "test", BatchSize: 3}, zaptest.NewLogger(t).Sugar())

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7}, seen)

	seq, _ := cursor.Load(context.Background())
	assert.Equal(t, uint64(7), seq)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFactRelay_StopsAtFailedFactAndResumes(t *testing.T) {
	source := &sliceSource{facts: factsUpTo(4)}
	failAt := uint64(3)
	var seen []uint64
	sink := SinkFunc(func(ctx context.Context, fact *domain.Fact) error {
		if fact.Seq == failAt {
			return errors.New("sink down")
		}
		seen = append(seen, fact.Seq)
		return nil
	})
	cursor := &MemoryCursor{}
	var reported int
	relay := NewFactRelay(source, sink, cursor, RelayConfig{Name: "test", BatchSize: 10}, zaptest.NewLogger(t).Sugar())
	relay.OnRelayed(func(n int) { reported += n })

	n, err := relay.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, n)
	seq, _ := cursor.Load(context.Background())
	assert.Equal(t, uint64(2), seq)

	failAt = 0
	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seen)
	assert.Equal(t, 4, reported)
}

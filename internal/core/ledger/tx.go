package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
)

// Tx is the view of ledger state given to a single operation. Reads fall through
// to the store at the version the operation started from; writes and facts are
// buffered until the runtime commits them together.
type Tx struct {
	ctx     context.Context
	store   ports.StateStore
	version uint64
	now     time.Time
	caller  domain.AccountID

	writes map[string][]byte
	facts  []*domain.Fact
}

func newTx(ctx context.Context, store ports.StateStore, version uint64, now time.Time, caller domain.AccountID) *Tx {
	return &Tx{
		ctx:     ctx,
		store:   store,
		version: version,
		now:     now,
		caller:  caller,
		writes:  make(map[string][]byte),
	}
}

func (tx *Tx) Context() context.Context { return tx.ctx }

// Now is the ledger clock for the operation; it is fixed for its whole duration.
func (tx *Tx) Now() time.Time { return tx.now }

// Caller is the authenticated account of the operation, empty for reads.
func (tx *Tx) Caller() domain.AccountID { return tx.caller }

func (tx *Tx) Version() uint64 { return tx.version }

// Get decodes the value at key into v and reports whether it exists.
func (tx *Tx) Get(key string, v any) (bool, error) {
	raw, ok := tx.writes[key]
	if !ok {
		var err error
		raw, ok, err = tx.store.Get(tx.ctx, key)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", key, err)
		}
		if !ok {
			return false, nil
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", domain.ErrInvariantViolation, key, err)
	}
	return true, nil
}

func (tx *Tx) Put(key string, v any) error {
	if tx.caller == "" {
		return fmt.Errorf("%w: write %s in read-only view", domain.ErrInvariantViolation, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	tx.writes[key] = raw
	return nil
}

// Scan visits every key under prefix in key order, buffered writes included.
func (tx *Tx) Scan(prefix string, fn func(key string, raw []byte) error) error {
	entries, err := tx.store.Scan(tx.ctx, prefix)
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}

	merged := make(map[string][]byte, len(entries))
	for _, e := range entries {
		merged[e.Key] = e.Value
	}
	for k, v := range tx.writes {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// ScanInto decodes every value under prefix and passes it to fn.
func ScanInto[T any](tx *Tx, prefix string, fn func(key string, v *T) error) error {
	return tx.Scan(prefix, func(key string, raw []byte) error {
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: decode %s: %v", domain.ErrInvariantViolation, key, err)
		}
		return fn(key, v)
	})
}

// NextSeq increments the named counter and returns the new value. The first
// value handed out is 1.
func (tx *Tx) NextSeq(name string) (uint64, error) {
	var seq uint64
	if _, err := tx.Get(MetaKey(name), &seq); err != nil {
		return 0, err
	}
	seq++
	if err := tx.Put(MetaKey(name), seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (tx *Tx) Seq(name string) (uint64, error) {
	var seq uint64
	_, err := tx.Get(MetaKey(name), &seq)
	return seq, err
}

// Emit appends a fact to the outbox. It becomes visible only if the operation
// commits.
func (tx *Tx) Emit(typ domain.FactType, stream domain.StreamID, account domain.AccountID, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s fact: %w", typ, err)
	}
	seq, err := tx.NextSeq(SeqFacts)
	if err != nil {
		return err
	}
	fact := &domain.Fact{
		Seq:      seq,
		Version:  tx.version + 1,
		Type:     typ,
		At:       tx.now,
		StreamID: stream,
		Account:  account,
		Payload:  raw,
	}
	if err := tx.Put(FactKey(seq), fact); err != nil {
		return err
	}
	tx.facts = append(tx.facts, fact)
	return nil
}

func (tx *Tx) Facts() []*domain.Fact { return tx.facts }

func (tx *Tx) batch() []domain.StateEntry {
	out := make([]domain.StateEntry, 0, len(tx.writes))
	for k, v := range tx.writes {
		out = append(out, domain.StateEntry{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SignCall produces the origin for call on behalf of the signer's account.
func SignCall(ctx context.Context, signer ports.Signer, call domain.Call) (domain.Origin, error) {
	payload, err := call.Payload()
	if err != nil {
		return domain.Origin{}, fmt.Errorf("encode %s: %w", call.Name, err)
	}
	return signer.Sign(ctx, payload)
}

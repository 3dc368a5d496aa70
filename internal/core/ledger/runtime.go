package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"
	"ticksettle/pkg/tracing"

	"go.uber.org/zap"
)

type Config struct {
	SubmitTimeout      time.Duration
	MaxConflictRetries int
	Clock              func() time.Time
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:      5 * time.Second,
		MaxConflictRetries: 3,
		Clock:              time.Now,
	}
}

// Runtime executes ledger operations one at a time against a StateStore. An
// operation either commits all of its writes and facts or none of them.
type Runtime struct {
	store    ports.StateStore
	auth     ports.Authenticator
	observer ports.LedgerObserver
	logger   *zap.SugaredLogger
	config   Config

	// capacity 1; holding the slot is holding the ledger
	slot chan struct{}
}

func NewRuntime(store ports.StateStore, auth ports.Authenticator, config Config, logger *zap.SugaredLogger) *Runtime {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.MaxConflictRetries < 0 {
		config.MaxConflictRetries = 0
	}
	return &Runtime{
		store:  store,
		auth:   auth,
		logger: logger,
		config: config,
		slot:   make(chan struct{}, 1),
	}
}

func (r *Runtime) SetObserver(observer ports.LedgerObserver) {
	r.observer = observer
}

func (r *Runtime) Store() ports.StateStore { return r.store }

func (r *Runtime) acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if r.config.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.config.SubmitTimeout)
		defer cancel()
	}

	select {
	case r.slot <- struct{}{}:
		return func() { <-r.slot }, nil
	case <-waitCtx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrSubmissionTimeout, waitCtx.Err())
	}
}

// Execute authenticates origin against call and runs fn as a single atomic
// operation. If the context ends before the ledger is acquired the operation is
// not run and ErrSubmissionTimeout is returned; once started it runs to
// completion regardless of ctx.
func (r *Runtime) Execute(ctx context.Context, origin domain.Origin, call domain.Call, fn func(tx *Tx) error) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceLedgerOperation(ctx, call.Name, string(origin.Account))
	defer span.End()

	defer func() {
		if r.observer != nil {
			r.observer.ObserveOperation(call.Name, time.Since(start), err)
		}
		if err != nil {
			tracing.AddSpanAttributes(ctx, tracing.ErrorClassKey.String(domain.Classify(err).String()))
			tracing.RecordError(ctx, err)
		}
	}()

	payload, err := call.Payload()
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", domain.ErrInvalidArgument, call.Name, err)
	}

	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	opCtx := context.WithoutCancel(ctx)

	caller, err := r.auth.Authenticate(opCtx, origin, payload)
	if err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}

	for attempt := 0; ; attempt++ {
		version, err := r.store.Version(opCtx)
		if err != nil {
			return fmt.Errorf("read state version: %w", err)
		}

		tx := newTx(opCtx, r.store, version, r.config.Clock().UTC(), caller)
		if err := fn(tx); err != nil {
			return err
		}

		writes := tx.batch()
		if len(writes) == 0 {
			return nil
		}

		newVersion, err := r.store.Commit(opCtx, version, writes)
		if err == nil {
			tracing.AddSpanAttributes(ctx, tracing.VersionKey.Int64(int64(newVersion)), tracing.AttemptKey.Int(attempt))
			r.logger.Debugw("Ledger operation committed",
				"operation", call.Name,
				"caller", caller,
				"version", newVersion,
				"facts", len(tx.facts),
			)
			return nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt >= r.config.MaxConflictRetries {
			return fmt.Errorf("commit %s: %w", call.Name, err)
		}
		r.logger.Warnw("Ledger commit conflicted, re-running operation",
			"operation", call.Name,
			"base_version", version,
			"attempt", attempt+1,
		)
	}
}

// Read runs fn against a consistent view of the ledger without authentication.
// Writes from fn are rejected.
func (r *Runtime) Read(ctx context.Context, fn func(tx *Tx) error) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	version, err := r.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("read state version: %w", err)
	}
	return fn(newTx(ctx, r.store, version, r.config.Clock().UTC(), ""))
}

// FactsAfter returns up to limit committed facts with sequence numbers above seq.
func (r *Runtime) FactsAfter(ctx context.Context, seq uint64, limit int) ([]*domain.Fact, error) {
	var facts []*domain.Fact
	for next := seq + 1; limit <= 0 || len(facts) < limit; next++ {
		raw, ok, err := r.store.Get(ctx, FactKey(next))
		if err != nil {
			return facts, fmt.Errorf("read fact %d: %w", next, err)
		}
		if !ok {
			break
		}
		fact := &domain.Fact{}
		if err := json.Unmarshal(raw, fact); err != nil {
			return facts, fmt.Errorf("decode fact %d: %w", next, err)
		}
		facts = append(facts, fact)
	}
	return facts, nil
}

func (r *Runtime) Snapshot(ctx context.Context) (*domain.StateSnapshot, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap.TakenAt = r.config.Clock().UTC()
	return snap, nil
}

func (r *Runtime) Restore(ctx context.Context, snapshot *domain.StateSnapshot) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := r.store.Restore(ctx, snapshot); err != nil {
		return fmt.Errorf("restore snapshot at version %d: %w", snapshot.Version, err)
	}
	r.logger.Infow("Ledger state restored",
		"version", snapshot.Version,
		"entries", len(snapshot.Entries),
	)
	return nil
}

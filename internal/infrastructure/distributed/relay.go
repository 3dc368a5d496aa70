package distributed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CursorStore persists the sequence number of the last fact a relay delivered.
type CursorStore interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, seq uint64) error
}

type RelayConfig struct {
	Name         string
	PollInterval time.Duration
	BatchSize    int
}

// FactRelay tails the ledger outbox and hands every fact to a sink in sequence
// order. The cursor only advances past facts the sink accepted, so delivery is
// at least once across restarts.
type FactRelay struct {
	source ports.FactSource
	sink   ports.FactSink
	cursor CursorStore
	config RelayConfig
	logger *zap.SugaredLogger

	onRelayed func(n int)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewFactRelay(source ports.FactSource, sink ports.FactSink, cursor CursorStore, config RelayConfig, logger *zap.SugaredLogger) *FactRelay {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &FactRelay{
		source: source,
		sink:   sink,
		cursor: cursor,
		config: config,
		logger: logger.With("relay", config.Name),
		stopCh: make(chan struct{}),
	}
}

// OnRelayed registers a callback receiving the number of facts each pass delivered.
func (r *FactRelay) OnRelayed(fn func(n int)) {
	r.onRelayed = fn
}

// RunOnce delivers pending facts until the outbox is drained or the sink fails.
func (r *FactRelay) RunOnce(ctx context.Context) (int, error) {
	seq, err := r.cursor.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	delivered := 0
	defer func() {
		if delivered > 0 && r.onRelayed != nil {
			r.onRelayed(delivered)
		}
	}()

	for {
		facts, err := r.source.FactsAfter(ctx, seq, r.config.BatchSize)
		if err != nil {
			return delivered, fmt.Errorf("read facts after %d: %w", seq, err)
		}
		if len(facts) == 0 {
			return delivered, nil
		}

		for _, fact := range facts {
			if err := r.sink.Publish(ctx, fact); err != nil {
				return delivered, fmt.Errorf("deliver fact %d: %w", fact.Seq, err)
			}
			seq = fact.Seq
			if err := r.cursor.Save(ctx, seq); err != nil {
				return delivered, fmt.Errorf("save cursor: %w", err)
			}
			delivered++
		}

		if len(facts) < r.config.BatchSize {
			return delivered, nil
		}
	}
}

func (r *FactRelay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n, err := r.RunOnce(ctx)
				if err != nil {
					r.logger.Warnw("Fact relay pass failed", "delivered", n, "error", err)
				} else if n > 0 {
					r.logger.Debugw("Relayed facts", "count", n)
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Infow("Fact relay started", "poll_interval", r.config.PollInterval)
}

func (r *FactRelay) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Infow("Fact relay stopped")
}

// RedisCursor keeps a relay cursor under ticksettle:relay:cursor:<name>.
type RedisCursor struct {
	client redis.UniversalClient
	key    string
}

func NewRedisCursor(client redis.UniversalClient, name string) *RedisCursor {
	return &RedisCursor{client: client, key: "ticksettle:relay:cursor:" + name}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func (c *RedisCursor) Save(ctx context.Context, seq uint64) error {
	return c.client.Set(ctx, c.key, strconv.FormatUint(seq, 10), 0).Err()
}

type MemoryCursor struct {
	mu  sync.Mutex
	seq uint64
}

func (c *MemoryCursor) Load(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

func (c *MemoryCursor) Save(ctx context.Context, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = seq
	return nil
}

// SinkFunc adapts a function to ports.FactSink.
type SinkFunc func(ctx context.Context, fact *domain.Fact) error

func (f SinkFunc) Publish(ctx context.Context, fact *domain.Fact) error {
	return f(ctx, fact)
}

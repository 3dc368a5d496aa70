package monitoring

import (
	"context"
	"time"

	"ticksettle/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck is optional: pub/sub and locking degrade but the ledger is
// covered by the state store check.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, interval, timeout time.Duration) {
	h.Register(Dependency{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		Interval: interval,
		Timeout:  timeout,
	})
}

// AddStateStoreCheck verifies the ledger state store answers version reads.
// Without it no operation can commit, so it is critical.
func (h *HealthChecker) AddStateStoreCheck(store ports.StateStore, interval, timeout time.Duration) {
	h.Register(Dependency{
		Name:     "state_store",
		Critical: true,
		Check: func(ctx context.Context) error {
			_, err := store.Version(ctx)
			return err
		},
		Interval: interval,
		Timeout:  timeout,
	})
}

func (h *HealthChecker) AddArchiveCheck(archive ports.PaymentArchive, interval, timeout time.Duration) {
	h.Register(Dependency{
		Name: "archive",
		Check: func(ctx context.Context) error {
			_, err := archive.LastSeq(ctx)
			return err
		},
		Interval: interval,
		Timeout:  timeout,
	})
}

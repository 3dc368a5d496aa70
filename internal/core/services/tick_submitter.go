package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/core/ports"
	"ticksettle/pkg/circuitbreaker"
	"ticksettle/pkg/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type TickRecorder interface {
	RecordTick(ctx context.Context, origin domain.Origin, call domain.TickCall) error
}

type SubmitterConfig struct {
	Interval     time.Duration
	TickDuration time.Duration
	Workers      int
	// LockKey is suffixed with InstanceID: the registry only lists this
	// instance's sessions, so rounds are exclusive per instance, not per cluster.
	LockKey        string
	InstanceID     string
	LockTTL        time.Duration
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
	Clock          func() time.Time
}

func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		Interval:       time.Second,
		TickDuration:   time.Second,
		Workers:        16,
		LockKey:        "tick-submitter",
		LockTTL:        5 * time.Second,
		Retry:          retry.DefaultConfig(),
		CircuitBreaker: circuitbreaker.DefaultConfig(),
		Clock:          time.Now,
	}
}

// TickSubmitter turns live connections into confirmed ticks on the engagement
// ledger. It keeps no state between rounds: every submission is keyed by its
// time window, so a repeated or concurrent round cannot double count.
type TickSubmitter struct {
	recorder TickRecorder
	registry ports.ConnectionRegistry
	signer   ports.Signer
	locker   ports.Locker
	lockKey  string
	breaker  *circuitbreaker.CircuitBreaker
	observer ports.SettlementObserver
	config   SubmitterConfig
	logger   *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewTickSubmitter(
	recorder TickRecorder,
	registry ports.ConnectionRegistry,
	signer ports.Signer,
	locker ports.Locker,
	config SubmitterConfig,
	logger *zap.SugaredLogger,
) *TickSubmitter {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.TickDuration <= 0 {
		config.TickDuration = config.Interval
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	config.Retry.Retryable = domain.IsRetryable
	config.Retry.NonRetryableErrors = append(config.Retry.NonRetryableErrors, circuitbreaker.ErrOpen)
	config.CircuitBreaker.IsFailure = domain.IsRetryable

	breaker := circuitbreaker.New(config.CircuitBreaker)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("Tick submission circuit breaker changed state",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return &TickSubmitter{
		recorder: recorder,
		registry: registry,
		signer:   signer,
		locker:   locker,
		lockKey:  config.LockKey + ":" + config.InstanceID,
		breaker:  breaker,
		config:   config,
		logger:   logger,
	}
}

func (s *TickSubmitter) SetObserver(observer ports.SettlementObserver) {
	s.observer = observer
}

// Units is the number of ticks one connection earns per interval.
func (s *TickSubmitter) Units() uint64 {
	n := uint64(s.config.Interval / s.config.TickDuration)
	if n == 0 {
		n = 1
	}
	return n
}

// Window numbers the submission interval containing now. The ledger accepts
// one submission per window, so a repeated round cannot double count.
func (s *TickSubmitter) Window(now time.Time) uint64 {
	return uint64(now.UnixNano() / int64(s.config.Interval))
}

// RunOnce performs a single submission round.
func (s *TickSubmitter) RunOnce(ctx context.Context) (*domain.TickRound, error) {
	start := s.config.Clock()
	round := &domain.TickRound{Window: s.Window(start)}
	defer func() {
		round.Duration = s.config.Clock().Sub(start)
		if s.observer != nil {
			s.observer.ObserveTickRound(round)
		}
	}()

	lock, ok, err := s.locker.TryLock(ctx, s.lockKey, s.config.LockTTL)
	if err != nil {
		return round, fmt.Errorf("failed to acquire submitter lock: %w", err)
	}
	if !ok {
		s.logger.Debugw("Previous round still holds the lock, skipping round", "window", round.Window)
		return round, nil
	}
	round.Leader = true
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warnw("Failed to release submitter lock", "error", err)
		}
	}()

	if s.breaker.GetState() == circuitbreaker.StateOpen {
		s.logger.Warnw("Ledger circuit open, skipping tick round", "window", round.Window)
		return round, nil
	}

	connections, err := s.registry.ListActiveConnections(ctx)
	if err != nil {
		return round, fmt.Errorf("failed to list active connections: %w", err)
	}
	round.Connections = len(connections)

	units := s.Units()
	sem := make(chan struct{}, s.config.Workers)
	var wg sync.WaitGroup
	for _, conn := range connections {
		sem <- struct{}{}
		wg.Add(1)
		go func(conn domain.Connection) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.submit(ctx, domain.TickCall{
				StreamID: conn.StreamID,
				Viewer:   conn.Viewer,
				Count:    units,
				Window:   round.Window,
			})

			s.mu.Lock()
			defer s.mu.Unlock()
			switch {
			case err == nil:
				round.Recorded++
			case errors.Is(err, domain.ErrDuplicateWindow):
				round.Duplicates++
			case domain.IsRetryable(err) || errors.Is(err, circuitbreaker.ErrOpen):
				round.Dropped++
				s.logger.Warnw("Dropping tick after retries",
					"stream_id", conn.StreamID,
					"viewer", conn.Viewer,
					"window", round.Window,
					"error", err,
				)
			default:
				round.Rejected++
				s.logger.Debugw("Tick rejected by ledger",
					"stream_id", conn.StreamID,
					"viewer", conn.Viewer,
					"class", domain.Classify(err).String(),
					"error", err,
				)
			}
		}(conn)
	}
	wg.Wait()

	if round.Connections > 0 {
		s.logger.Debugw("Tick round complete",
			"window", round.Window,
			"connections", round.Connections,
			"recorded", round.Recorded,
			"duplicates", round.Duplicates,
			"rejected", round.Rejected,
			"dropped", round.Dropped,
		)
	}
	return round, nil
}

func (s *TickSubmitter) submit(ctx context.Context, call domain.TickCall) error {
	origin, err := ledger.SignCall(ctx, s.signer, domain.NewRecordTickCall(call))
	if err != nil {
		return err
	}
	return retry.Retry(ctx, s.config.Retry, func() error {
		return s.breaker.Execute(ctx, func() error {
			return s.recorder.RecordTick(ctx, origin, call)
		})
	})
}

func (s *TickSubmitter) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Infow("Tick submitter started",
		"instance_id", s.config.InstanceID,
		"interval", s.config.Interval,
		"units_per_interval", s.Units(),
		"workers", s.config.Workers,
	)
}

func (s *TickSubmitter) Stop() {
	if s.stopCh != nil {
		close(s.stopCh)
		s.wg.Wait()
		s.stopCh = nil
	}
	s.logger.Info("Tick submitter stopped")
}

func (s *TickSubmitter) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Errorw("Tick round failed", "error", err)
			}
		}
	}
}

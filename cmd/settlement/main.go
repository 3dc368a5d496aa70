package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ticksettle/internal/core/domain"
	"ticksettle/internal/core/ledger"
	"ticksettle/internal/core/ports"
	"ticksettle/internal/core/services"
	httphandlers "ticksettle/internal/handlers/http"
	"ticksettle/internal/infrastructure/archive"
	backupinfra "ticksettle/internal/infrastructure/backup"
	"ticksettle/internal/infrastructure/distributed"
	"ticksettle/internal/infrastructure/middleware"
	"ticksettle/internal/infrastructure/monitoring"
	"ticksettle/internal/infrastructure/repositories"
	"ticksettle/internal/infrastructure/transport"
	"ticksettle/internal/infrastructure/wallet"
	"ticksettle/pkg/backup"
	"ticksettle/pkg/config"
	"ticksettle/pkg/logger"
	"ticksettle/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const version = "1.0.0"

func loadConfig() *config.Config {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/ticksettle/config.yaml",
		"config.yaml",
	}
	if path := os.Getenv("TICKSETTLE_CONFIG"); path != "" {
		configPaths = append([]string{path}, configPaths...)
	}

	var lastErr error
	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
		lastErr = err
	}
	if lastErr != nil {
		// a config file that exists but does not validate is fatal
		zap.NewExample().Sugar().Fatalw("Failed to load configuration", "error", lastErr)
	}

	cfg, err := config.Load("")
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Invalid default configuration", "error", err)
	}
	return cfg
}

func pricing(p config.PricingConfig) domain.PricingConfig {
	return domain.PricingConfig{
		RatePerTick:        domain.Amount(p.RatePerTick),
		MinPaymentAmount:   domain.Amount(p.MinPaymentAmount),
		PlatformFeePercent: p.PlatformFeePercent,
	}
}

func accounts(ids []string) []domain.AccountID {
	out := make([]domain.AccountID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.AccountID(id))
	}
	return out
}

func main() {
	startTime := time.Now()
	cfg := loadConfig()

	zapLogger, err := logger.New(cfg.Logging)
	if err != nil {
		zap.NewExample().Sugar().Fatalw("Failed to initialize logger", "error", err)
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tracer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		log.Fatalw("Failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("Failed to create repository factory", "error", err)
	}

	keyring, err := wallet.NewKeyring(cfg.Wallet.MasterSeed, cfg.Wallet.CredentialTTL)
	if err != nil {
		log.Fatalw("Failed to initialize wallet", "error", err)
	}

	registry := prometheus.DefaultRegisterer
	collector := monitoring.NewPrometheusCollector(registry)
	health := monitoring.NewHealthChecker()

	store := repoFactory.CreateStateStore()
	health.AddStateStoreCheck(store, 10*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}

	// Restore the ledger from the newest snapshot before anything writes to it
	var backupService *backup.BackupService
	if cfg.Backup.Enabled {
		storage, err := backup.NewFileStorage(cfg.Backup.Path)
		if err != nil {
			log.Fatalw("Failed to open snapshot storage", "path", cfg.Backup.Path, "error", err)
		}
		backupService = backup.NewBackupService(storage, version)
		restored, err := backupinfra.NewRestoreService(backupService, store, log).RestoreLatest(ctx)
		if err != nil {
			log.Fatalw("Failed to restore ledger snapshot", "error", err)
		}
		if restored {
			log.Infow("Ledger restored from snapshot", "path", cfg.Backup.Path)
		}
	}

	ledgerConfig := ledger.DefaultConfig()
	ledgerConfig.SubmitTimeout = cfg.Ledger.SubmitTimeout
	ledgerConfig.MaxConflictRetries = cfg.Ledger.MaxConflictRetries
	runtime := ledger.NewRuntime(store, keyring.Verifier(), ledgerConfig, log)
	runtime.SetObserver(collector)

	authority := domain.AccountID(cfg.Ledger.AuthorityAccount)
	engagements := services.NewEngagementLedger(runtime, services.EngagementConfig{
		TickSubmitters:      accounts(cfg.Ledger.TickSubmitters),
		MaxSelfTicksPerCall: cfg.Ledger.MaxSelfTicksPerCall,
		MinSelfTickInterval: cfg.Ledger.MinSelfTickInterval,
		Authority:           authority,
		PlatformFeePercent:  cfg.Ledger.DefaultPricing.PlatformFeePercent,
	}, log)
	payments := services.NewPaymentLedger(runtime, engagements, services.PaymentConfig{
		Authority: authority,
		Treasury:  domain.AccountID(cfg.Ledger.TreasuryAccount),
	}, log)

	hubConfig := transport.DefaultConfig()
	hubConfig.PingInterval = cfg.Transport.PingInterval
	hubConfig.PongTimeout = cfg.Transport.PongTimeout
	hubConfig.MaxMessageSize = cfg.Transport.MaxMessageSize
	if len(cfg.Auth.AllowedOrigins) > 0 {
		hubConfig.AllowedOrigins = cfg.Auth.AllowedOrigins
	}
	hub := transport.NewHub(hubConfig, transport.NewLedgerListener(engagements, keyring, log), log)
	hub.OnSessionCount(collector.SetTransportSessions)

	// Pauses decided on one instance must reach viewers connected to another
	instanceID := uuid.NewString()
	var playback ports.Transport = hub
	var playbackBus *distributed.PlaybackBus
	if client := repoFactory.RedisClient(); client != nil {
		playbackBus = distributed.NewPlaybackBus(client, instanceID, hub, log)
		playback = playbackBus
	}

	spendingLimit := domain.Unlimited
	if cfg.Orchestrator.DefaultSpendingLimit > 0 {
		spendingLimit = domain.Amount(cfg.Orchestrator.DefaultSpendingLimit)
	}
	terms := services.NewCachedBillingLedger(engagements, cfg.Orchestrator.TermsCacheTTL)
	defer terms.Close()
	orchestratorConfig := services.DefaultOrchestratorConfig()
	orchestratorConfig.Interval = cfg.Orchestrator.Interval
	orchestratorConfig.Workers = cfg.Orchestrator.Workers
	orchestratorConfig.DefaultSpendingLimit = spendingLimit
	orchestratorConfig.DepartedGracePeriod = cfg.Orchestrator.DepartedGracePeriod
	orchestratorConfig.MaxDeferrals = cfg.Orchestrator.MaxDeferrals
	orchestratorConfig.LockTTL = cfg.Orchestrator.LockTTL
	orchestrator := services.NewPaymentOrchestrator(
		terms,
		payments,
		keyring,
		repoFactory.CreateSpendingRepository(),
		playback,
		orchestratorConfig,
		log,
	)
	orchestrator.SetObserver(collector)
	orchestrator.SetLocker(repoFactory.CreateLocker())
	hub.SetPlaybackSource(orchestrator)

	var submitter *services.TickSubmitter
	if cfg.Submitter.Enabled {
		signer, err := keyring.SignerFor(domain.AccountID(cfg.Submitter.Account))
		if err != nil {
			log.Fatalw("Failed to create submitter signer", "account", cfg.Submitter.Account, "error", err)
		}
		submitterConfig := services.DefaultSubmitterConfig()
		submitterConfig.Interval = cfg.Submitter.Interval
		submitterConfig.TickDuration = cfg.Submitter.TickDuration
		submitterConfig.Workers = cfg.Submitter.Workers
		submitterConfig.LockTTL = cfg.Submitter.LockTTL
		submitterConfig.Retry = cfg.Submitter.Retry
		submitterConfig.CircuitBreaker = cfg.Submitter.CircuitBreaker
		submitterConfig.InstanceID = instanceID
		submitter = services.NewTickSubmitter(engagements, hub, signer, repoFactory.CreateLocker(), submitterConfig, log)
		submitter.SetObserver(collector)
	}

	var relays []*distributed.FactRelay

	var archiveDB *gorm.DB
	handler := httphandlers.NewSettlementHandler(engagements, payments, orchestrator, keyring, hub, httphandlers.SettlementHandlerConfig{
		Authority:      authority,
		DefaultPricing: pricing(cfg.Ledger.DefaultPricing),
	})
	if cfg.Archive.Enabled {
		archiveDB, err = archive.Open(cfg.Archive.DSN)
		if err != nil {
			log.Fatalw("Failed to open payment archive", "dsn", cfg.Archive.DSN, "error", err)
		}
		paymentArchive := archive.NewPaymentArchive(archiveDB)
		archiver := archive.NewArchiver(paymentArchive, log)
		archiver.OnArchived(collector.RecordPaymentsArchived)
		relays = append(relays, distributed.NewFactRelay(runtime, archiver, archive.NewCursor(archiveDB, "archive"), distributed.RelayConfig{
			Name:         "archive",
			PollInterval: cfg.Archive.PollInterval,
			BatchSize:    cfg.Archive.BatchSize,
		}, log))
		health.AddArchiveCheck(paymentArchive, 30*time.Second, 2*time.Second)
		handler.WithArchive(paymentArchive)
	}

	var eventBus *distributed.EventBus
	if cfg.Relay.Enabled {
		client := repoFactory.RedisClient()
		if client == nil {
			log.Warnw("Fact relay requires redis, relay disabled")
		} else {
			eventBus = distributed.NewEventBus(client, instanceID, log)
			relay := distributed.NewFactRelay(runtime, eventBus, distributed.NewRedisCursor(client, "events"), distributed.RelayConfig{
				Name:         "events",
				PollInterval: cfg.Relay.PollInterval,
				BatchSize:    cfg.Relay.BatchSize,
			}, log)
			relay.OnRelayed(collector.RecordFactsRelayed)
			relays = append(relays, relay)
			log.Infow("Fact relay enabled", "instance_id", instanceID)
		}
	}

	authService := services.NewAuthService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenTTL,
		cfg.Auth.RefreshTokenTTL,
		keyring.Verifier(),
	)
	authHandler := httphandlers.NewAuthHandler(authService)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggerMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.TracingMiddleware(),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	authHandler.SetupRoutes(router)
	handler.SetupRoutes(router, middleware.AuthMiddleware(authService), middleware.NewWebSocketRateLimitMiddleware(cfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"version":   version,
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
			"sessions":  hub.SessionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		checkCtx, checkCancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer checkCancel()

		status := health.CheckAll(checkCtx)
		code := http.StatusOK
		if status.Status == monitoring.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background workers
	var wg sync.WaitGroup
	var scheduler *backupinfra.Scheduler
	if backupService != nil {
		scheduler = backupinfra.NewScheduler(backupService, runtime, backupinfra.Config{
			Interval:  cfg.Backup.Interval,
			Retention: cfg.Backup.Retention,
		}, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			scheduler.Start(ctx)
		}()
	}
	if eventBus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := eventBus.Subscribe(ctx, func(event *distributed.Event) error {
				log.Debugw("Fact committed on peer instance",
					"type", event.Type,
					"instance_id", event.InstanceID,
				)
				return nil
			})
			if err != nil && ctx.Err() == nil {
				log.Warnw("Event bus subscription ended", "error", err)
			}
		}()
	}
	if playbackBus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := playbackBus.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warnw("Playback bus subscription ended", "error", err)
			}
		}()
	}
	for _, relay := range relays {
		relay.Start(ctx)
	}
	if submitter != nil {
		submitter.Start(ctx)
	}
	if cfg.Orchestrator.Enabled {
		orchestrator.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting ticksettle server",
			"address", cfg.Server.Address,
			"redis", repoFactory.UsesRedis(),
			"submitter", cfg.Submitter.Enabled,
			"orchestrator", cfg.Orchestrator.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down ticksettle server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Stop producers before the sinks they feed
	if submitter != nil {
		submitter.Stop()
	}
	if cfg.Orchestrator.Enabled {
		orchestrator.Stop()
	}
	hub.Close()
	for _, relay := range relays {
		relay.Stop()
	}
	if scheduler != nil {
		scheduler.Stop()
		if _, err := scheduler.RunOnce(shutdownCtx); err != nil {
			log.Warnw("Final snapshot failed", "error", err)
		}
	}
	cancel()
	wg.Wait()

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Warnw("Error closing event bus", "error", err)
		}
	}
	if archiveDB != nil {
		if err := archive.Close(archiveDB); err != nil {
			log.Errorw("Error closing payment archive", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Error shutting down tracer", "error", err)
	}

	log.Info("ticksettle server stopped")
}

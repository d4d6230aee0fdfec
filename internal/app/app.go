package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"uploadrelay/internal/broker"
	"uploadrelay/internal/config"
	"uploadrelay/internal/metrics"
	"uploadrelay/internal/orchestrator"
	"uploadrelay/internal/server"
	"uploadrelay/internal/session"
	"uploadrelay/internal/statestore"
	"uploadrelay/internal/storage"
	"uploadrelay/internal/worker"

	"go.uber.org/zap"
)

// App owns every long-lived component of the upload relay. Constructed once
// at process start; handlers receive their dependencies from here rather
// than from package-level state.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *session.Registry
	store     *statestore.Store
	broker    *broker.Client
	sink      storage.Sink
	orch      *orchestrator.Orchestrator
	pool      *worker.Pool
	collector *metrics.Collector
	httpSrv   *http.Server

	stopStoreReaper chan struct{}
}

// New wires the application from configuration
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	var sink storage.Sink
	if cfg.Storage.Enabled {
		s, err := storage.NewMinIOSink(storage.Config{
			Endpoint:   cfg.Storage.Endpoint,
			AccessKey:  cfg.Storage.AccessKey,
			SecretKey:  cfg.Storage.SecretKey,
			Secure:     cfg.Storage.Secure,
			PublicBase: cfg.Storage.PublicBase,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage sink: %w", err)
		}
		sink = s
	}

	backend, err := statestore.NewSQLiteBackend(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create state store backend: %w", err)
	}

	store := statestore.New(backend, time.Duration(cfg.Store.DefaultTTLSec)*time.Second, logger)

	registry := session.NewRegistry(session.Options{
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		GraceWindow:   time.Duration(cfg.Sessions.GraceWindowSec) * time.Second,
		ReapInterval:  time.Duration(cfg.Sessions.ReapIntervalSec) * time.Second,
		TTL:           time.Duration(cfg.Sessions.TTLSec) * time.Second,
	}, logger)

	brokerClient := broker.NewClient(broker.Config{
		BaseURL:     cfg.Broker.BaseURL,
		CallbackURL: cfg.Broker.CallbackURL,
		MaxAttempts: cfg.Broker.Retries,
		BackoffBase: time.Duration(cfg.Broker.RetryBackoffMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.Broker.RetryCapMs) * time.Millisecond,
		Timeout:     time.Duration(cfg.Broker.TimeoutSec) * time.Second,
	}, logger)

	collector := metrics.New()
	pool := worker.NewPool(cfg.Transfer.Workers, cfg.Transfer.QueueSize, logger)

	orch := orchestrator.New(orchestrator.Config{
		Mode:           cfg.Transfer.Mode,
		Container:      cfg.Storage.Bucket,
		StorageEnabled: cfg.Storage.Enabled,
	}, sink, brokerClient, registry, store, collector, pool, logger)

	srv := server.New(cfg, registry, store, brokerClient, orch, collector, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		store:     store,
		broker:    brokerClient,
		sink:      sink,
		orch:      orch,
		pool:      pool,
		collector: collector,
		httpSrv: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      srv.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		stopStoreReaper: make(chan struct{}),
	}, nil
}

// Run starts the background workers and serves HTTP until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting upload relay",
		zap.String("port", a.cfg.Server.Port),
		zap.String("transfer_mode", a.cfg.Transfer.Mode),
		zap.Bool("storage_enabled", a.cfg.Storage.Enabled),
		zap.Int("max_concurrent", a.cfg.Sessions.MaxConcurrent),
	)

	if a.cfg.Storage.Enabled {
		ensureCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := a.sink.EnsureContainer(ensureCtx, a.cfg.Storage.Bucket)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to ensure storage container: %w", err)
		}
	}

	a.pool.Start(ctx)
	go a.storeReapLoop()

	errCh := make(chan error, 1)
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("forced shutdown", zap.Error(err))
	}

	return nil
}

// Close stops background work and releases resources. Reapers stop before
// the store closes so they never touch a closed database.
func (a *App) Close() error {
	close(a.stopStoreReaper)
	a.pool.Close()
	a.registry.Close()
	return a.store.Close()
}

// storeReapLoop evicts expired fallback entries on a fixed timer
func (a *App) storeReapLoop() {
	ticker := time.NewTicker(time.Duration(a.cfg.Sessions.ReapIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.store.ReapExpired(); n > 0 {
				a.logger.Debug("reaped expired fallback entries", zap.Int("count", n))
			}
		case <-a.stopStoreReaper:
			return
		}
	}
}

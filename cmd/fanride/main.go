// Command fanride launches the FanRide backend: the HTTP API, the push hub,
// the change-feed projector, and the optional feed ingestion worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/fanride/fanride/internal/app/eventstore"
	"github.com/fanride/fanride/internal/app/hub"
	"github.com/fanride/fanride/internal/app/ingest"
	"github.com/fanride/fanride/internal/app/projector"
	"github.com/fanride/fanride/internal/app/readmodel"
	"github.com/fanride/fanride/internal/domain/docstore"
	"github.com/fanride/fanride/internal/infra/config"
	"github.com/fanride/fanride/internal/infra/docstore/memstore"
	"github.com/fanride/fanride/internal/infra/docstore/postgres"
	"github.com/fanride/fanride/internal/infra/persistence/migrations"
	httpserver "github.com/fanride/fanride/internal/infra/server/http"
	"github.com/fanride/fanride/internal/infra/telemetry"
	"github.com/fanride/fanride/internal/observability"
)

const (
	defaultConfigPath        = "config/app.yaml"
	backendLoggerPrefix      = "fanride "
	projectorFeedName        = "fanride-projector"
	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	serverReadHeaderTimeout  = 5 * time.Second
	telemetryBusBuffer       = 64
	telemetryDLQCapacity     = 256
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, backendLoggerPrefix, log.LstdFlags|log.Lmicroseconds)

	configPath := cfgPathFlag
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, driver=%s, feedMode=%s",
		cfg.Environment, cfg.Store.Driver, cfg.ChangeFeed.Mode)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	store, err := buildStore(ctx, logger, cfg)
	if err != nil {
		logger.Fatalf("initialise document store: %v", err)
	}

	views, err := readmodel.New(store, readModelContainers(cfg))
	if err != nil {
		logger.Fatalf("initialise read models: %v", err)
	}
	appender := eventstore.New(store, cfg.Store.Containers.ES)

	opsBus := observability.NewInMemoryTelemetryBus(telemetryBusBuffer)
	opsDLQ := observability.NewDeadLetterQueue(telemetryDLQCapacity)

	pushHub, err := hub.New(views,
		hub.WithSendBuffer(cfg.Hub.SendBuffer),
		hub.WithMetricsRate(cfg.Hub.MetricsRatePerSec),
		hub.WithHubTelemetry(opsBus, opsDLQ))
	if err != nil {
		logger.Fatalf("initialise hub: %v", err)
	}

	var lifecycle conc.WaitGroup
	startTelemetryDrain(ctx, logger, &lifecycle, opsBus)

	feedProcessor, err := buildProjector(ctx, logger, cfg, store, views, pushHub, opsBus, opsDLQ)
	if err != nil {
		logger.Fatalf("initialise projector: %v", err)
	}
	lifecycle.Go(func() {
		if err := feedProcessor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("projector stopped: %v", err)
		}
	})

	if cfg.AFLFeed.Enabled {
		worker, err := buildIngestWorker(cfg, appender, pushHub, ingest.WithIngestTelemetry(opsBus, opsDLQ))
		if err != nil {
			logger.Fatalf("initialise ingestion worker: %v", err)
		}
		lifecycle.Go(func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("ingestion worker stopped: %v", err)
			}
		})
		logger.Printf("ingestion worker started: stream=%s endpoint=%s",
			cfg.AFLFeed.StreamID, cfg.AFLFeed.Endpoint)
	}

	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpserver.NewHandler(appender, views, store, pushHub),
		ReadHeaderTimeout: serverReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("api listening on %s", apiServer.Addr)

	logger.Print("fanride started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		hub:        pushHub,
		opsBus:     opsBus,
		opsDLQ:     opsDLQ,
		store:      store,
		telemetry:  telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.Enabled = cfg.Telemetry.MetricsEnabled
	telemetryCfg.EnableMetrics = cfg.Telemetry.MetricsEnabled
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// startTelemetryDrain subscribes a logging drain so ops events emitted by
// the projector, hub, and ingest worker surface in the process log. The
// subscription is bound to the main context and ends at shutdown.
func startTelemetryDrain(ctx context.Context, logger *log.Logger, lifecycle *conc.WaitGroup, bus observability.TelemetryBus) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logger.Printf("telemetry bus subscription failed: %v", err)
		return
	}
	lifecycle.Go(func() {
		for event := range events {
			logger.Printf("ops %s severity=%s stream=%s metadata=%v",
				event.Type, event.Severity, event.Stream, event.Metadata)
		}
	})
}

func buildStore(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (docstore.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Print("using in-memory document store")
		return memstore.New(), nil
	case config.DriverPostgres:
		dsn, err := cfg.DSN()
		if err != nil {
			return nil, err
		}
		if cfg.Store.RunMigrations {
			if err := migrations.Apply(ctx, dsn, "", logger); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:      dsn,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect document store: %w", err)
		}
		postgres.ObservePoolMetrics(pool, "docstore")
		return postgres.New(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func readModelContainers(cfg config.AppConfig) readmodel.Containers {
	return readmodel.Containers{
		MatchState:  cfg.Store.Containers.RMMatchState,
		Momentum:    cfg.Store.Containers.RMTesHistory,
		Leaderboard: cfg.Store.Containers.RMLeaderboard,
	}
}

// buildProjector assembles the change-feed pipeline. Rebuild mode purges
// the feed's lease documents first so the processor replays the event
// container from its first commit.
func buildProjector(ctx context.Context, logger *log.Logger, cfg config.AppConfig, store docstore.Store, views projector.Views, notifier projector.Notifier, bus observability.TelemetryBus, dlq *observability.DeadLetterQueue) (*projector.FeedProcessor, error) {
	containers := projector.Containers{
		Events:      cfg.Store.Containers.ES,
		MatchState:  cfg.Store.Containers.RMMatchState,
		Momentum:    cfg.Store.Containers.RMTesHistory,
		Leaderboard: cfg.Store.Containers.RMLeaderboard,
	}

	rebuild := cfg.RebuildRequested()
	if rebuild {
		logger.Print("rebuild requested: purging projector leases")
		if err := projector.DeleteAllLeases(ctx, store, cfg.Store.Containers.Leases, projectorFeedName); err != nil {
			return nil, fmt.Errorf("purge leases: %w", err)
		}
	}

	proj, err := projector.New(store, views, containers,
		projector.WithNotifier(notifier),
		projector.WithProjectionMode(cfg.ChangeFeed.Mode))
	if err != nil {
		return nil, err
	}

	return projector.NewFeedProcessor(store, proj.HandleBatch, projector.FeedOptions{
		FeedName:           projectorFeedName,
		Container:          cfg.Store.Containers.ES,
		LeaseContainer:     cfg.Store.Containers.Leases,
		PollInterval:       cfg.ChangeFeed.PollInterval,
		BatchSize:          cfg.ChangeFeed.BatchSize,
		LeaseTTL:           cfg.ChangeFeed.LeaseTTL,
		StartFromBeginning: rebuild,
	}, projector.WithFeedTelemetry(bus, dlq))
}

func buildIngestWorker(cfg config.AppConfig, appender ingest.Appender, notifier ingest.Notifier, opts ...ingest.Option) (*ingest.Worker, error) {
	workerOpts := append([]ingest.Option{ingest.WithIngestNotifier(notifier)}, opts...)
	return ingest.NewWorker(appender, ingest.Config{
		StreamID:     cfg.AFLFeed.StreamID,
		Endpoint:     cfg.AFLFeed.Endpoint,
		APIKeyHeader: cfg.AFLFeed.APIKeyHeader,
		APIKey:       cfg.AFLFeed.APIKey,
		PollInterval: cfg.AFLFeed.PollInterval(),
	}, workerOpts...)
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	hub        *hub.Hub
	opsBus     observability.TelemetryBus
	opsDLQ     *observability.DeadLetterQueue
	store      docstore.Store
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.hub != nil {
		shutdownStep("closing hub connections", serverShutdownTimeout, func(context.Context) error {
			cfg.hub.Close()
			return nil
		})
	}

	if cfg.opsBus != nil {
		shutdownStep("closing telemetry bus", serverShutdownTimeout, func(context.Context) error {
			cfg.opsBus.Close()
			if cfg.opsDLQ != nil {
				if spilled := cfg.opsDLQ.Drain(); len(spilled) > 0 {
					logger.Printf("shutdown: %d undelivered ops events discarded", len(spilled))
				}
			}
			return nil
		})
	}

	if cfg.store != nil {
		shutdownStep("closing document store", serverShutdownTimeout, func(context.Context) error {
			cfg.store.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

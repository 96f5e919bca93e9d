package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/skillbridge_offline/internal/cleanup"
	"github.com/italolelis/skillbridge_offline/internal/config"
	"github.com/italolelis/skillbridge_offline/internal/connectivity"
	"github.com/italolelis/skillbridge_offline/internal/downloader"
	"github.com/italolelis/skillbridge_offline/internal/eventbus"
	"github.com/italolelis/skillbridge_offline/internal/http/rest"
	"github.com/italolelis/skillbridge_offline/internal/logctx"
	"github.com/italolelis/skillbridge_offline/internal/notifier"
	"github.com/italolelis/skillbridge_offline/internal/storage"
	"github.com/italolelis/skillbridge_offline/internal/storage/blob"
	"github.com/italolelis/skillbridge_offline/internal/storage/sqlite"
	"github.com/italolelis/skillbridge_offline/internal/syncer"
	"github.com/italolelis/skillbridge_offline/internal/telemetry"
	"github.com/italolelis/skillbridge_offline/internal/transport"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger, closeLog := logctx.NewLogger(os.Stdout, logctx.Options{
		Level:      cfg.SlogLevel(),
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 28,
	})
	defer closeLog.Close()

	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("skillbridge offline starting...",
		"log_level", cfg.LogLevel,
		"version", cfg.Telemetry.ServiceVersion,
	)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		closeLog.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	kv := func(name string) storage.KV {
		return storage.NewInstrumentedKV(database.Partition(name), name, tel)
	}

	files, err := blob.NewFS(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open file store: %w", err)
	}

	// =========================================================================
	// Start API Client
	client, err := transport.NewClient(cfg.APIBaseURL, cfg.Download.FetchTimeout,
		transport.WithUserAgent(cfg.Telemetry.ServiceName+"/"+cfg.Telemetry.ServiceVersion),
	)
	if err != nil {
		return fmt.Errorf("failed to build api client: %w", err)
	}

	api := transport.NewInstrumentedClient(client, tel)

	// =========================================================================
	// Start Event Bus and Connectivity
	bus := eventbus.New(eventbus.WithDropHook(func(k eventbus.Kind) {
		tel.RecordEventDropped(string(k))
	}))
	defer bus.Close()

	conn := connectivity.NewMonitor(cfg.Connectivity.StartOnline)

	// =========================================================================
	// Start Downloader and Sync Engine
	orchestrator := downloader.New(api, downloader.Store{
		Queue:    kv(storage.PartitionQueue),
		Files:    storage.NewInstrumentedBlobStore(files, storage.PartitionFiles, tel),
		Metadata: kv(storage.PartitionMetadata),
	}, bus, conn, downloader.Settings{
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		MaxRetries:       cfg.Download.MaxRetries,
		RetryBaseDelay:   cfg.Download.RetryBaseDelay,
		AutoResume:       cfg.Download.AutoResume,
		ProgressInterval: cfg.Download.ProgressInterval,
	}, downloader.WithTelemetry(tel))

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("failed to start downloader: %w", err)
	}
	defer orchestrator.Stop()

	engine := syncer.New(api, syncer.Store{
		State:     kv(storage.PartitionSync),
		Resources: kv(storage.PartitionResources),
		Bookmarks: kv(storage.PartitionBookmarks),
		Progress:  kv(storage.PartitionProgress),
	}, bus, conn, syncer.Settings{
		Interval: cfg.Sync.Interval,
		Debounce: cfg.Sync.Debounce,
	}, syncer.WithTelemetry(tel))

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	defer engine.Stop()

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	if cfg.DiscordWebhookURL != "" {
		n := notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)

		g.Go(func() error {
			notifier.Watch(gctx, bus, n)

			return nil
		})
	}

	// =========================================================================
	// Start Connectivity Prober
	if cfg.Connectivity.ProbeURL != "" {
		prober := connectivity.NewProber(conn, cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval)

		g.Go(func() error {
			return prober.Run(gctx)
		})
	}

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		return cleanup.Run(gctx, orchestrator, cfg.Cleanup.Interval, cfg.Cleanup.Retention)
	})

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, rest.NewHandler(orchestrator, engine, conn, bus, tel), cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	logger.Info("ready for offline content",
		"data_dir", cfg.DataDir,
		"db_path", cfg.DBPath,
		"api_base_url", cfg.APIBaseURL,
		"online", conn.IsOnline(),
	)

	return g.Wait()
}

// setupServer prepares the http rest server.
func setupServer(ctx context.Context, h *rest.Handler, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      h.Routes(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

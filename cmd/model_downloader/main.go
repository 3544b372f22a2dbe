package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/model_downloader/internal/catalog"
	"github.com/italolelis/model_downloader/internal/cleanup"
	"github.com/italolelis/model_downloader/internal/config"
	"github.com/italolelis/model_downloader/internal/downloader"
	"github.com/italolelis/model_downloader/internal/http/rest"
	"github.com/italolelis/model_downloader/internal/logctx"
	"github.com/italolelis/model_downloader/internal/modelid"
	"github.com/italolelis/model_downloader/internal/notifier"
	"github.com/italolelis/model_downloader/internal/storage"
	"github.com/italolelis/model_downloader/internal/storage/sqlite"
	"github.com/italolelis/model_downloader/internal/telemetry"
	"github.com/italolelis/model_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}
		defer rotator.Close()

		out = io.MultiWriter(os.Stdout, rotator)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewContextHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("model downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
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
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	history := sqlite.NewInstrumentedDownloadRepository(database, tel)
	instanceID := storage.GenerateInstanceID()

	if n, err := history.FailInterrupted(ctx, instanceID); err != nil {
		logger.Warn("failed to close interrupted downloads", "err", err)
	} else if n > 0 {
		logger.Info("marked interrupted downloads as failed", "count", n)
	}

	// =========================================================================
	// Start Downloader
	if err := os.MkdirAll(cfg.ModelsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create models dir: %w", err)
	}

	engine, err := transfer.NewEngine(cfg.OriginURL,
		transfer.WithHTTPClient(buildOriginClient(cfg)),
		transfer.WithRevision(cfg.Revision),
	)
	if err != nil {
		return fmt.Errorf("failed to build transfer engine: %w", err)
	}

	resolver := modelid.NewResolver(cfg.ModelsDir)
	cat := catalog.New(resolver, cfg.MarkerFile)

	dl := downloader.New(resolver,
		transfer.NewInstrumentedFetcher(engine, tel),
		downloader.WithTelemetry(tel),
		downloader.WithHistory(history, instanceID),
		downloader.WithMarker(cfg.MarkerFile),
	)

	if cfg.PreloadOnStart {
		if _, err := dl.Preload(ctx, cat); err != nil {
			logger.Warn("failed to preload model paths", "err", err)
		}
	}

	server := setupServer(ctx, cfg, dl, cat, history, tel)

	g, gctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Notification
	g.Go(func() error {
		notifier.Forward(gctx, buildNotifier(cfg), dl.OnDownloadFinished, dl.OnDownloadError)

		return nil
	})

	// =========================================================================
	// Start Cleanup
	g.Go(func() error {
		runCleanup(gctx, cat, dl, cfg)

		return nil
	})

	// =========================================================================
	// Start API Service
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

	logger.Info("serving models",
		"models_dir", cfg.ModelsDir,
		"origin", cfg.OriginURL,
		"revision", cfg.Revision,
		"cleanup_interval", cfg.CleanupInterval.String(),
	)

	return g.Wait()
}

// buildOriginClient bounds how long the origin may take to answer. The body
// itself is only bounded by TRANSFER_TIMEOUT since model files can be huge.
func buildOriginClient(cfg *config.Config) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.ResponseHeaderTimeout

	return &http.Client{
		Timeout:   cfg.TransferTimeout,
		Transport: otelhttp.NewTransport(base),
	}
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	dl *downloader.Downloader,
	cat *catalog.Catalog,
	history storage.DownloadReadRepository,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewModelsHandler(dl, cat, history, cfg.DefaultFiles, cfg.HFToken)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func runCleanup(ctx context.Context, cat *catalog.Catalog, dl *downloader.Downloader, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-cleanupTicker.C:
			n, err := cleanup.SweepStaleTempFiles(ctx, cat, dl, cfg.StaleTempAge)
			if err != nil {
				logger.Error("failed to sweep stale temporary files", "err", err)

				continue
			}

			if n > 0 {
				logger.Info("swept stale temporary files", "count", n)
			}
		}
	}
}

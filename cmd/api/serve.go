package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/combodevy/question-site/internal/app"
	"github.com/combodevy/question-site/internal/archive"
	"github.com/combodevy/question-site/internal/config"
	"github.com/combodevy/question-site/internal/logging"
	"github.com/combodevy/question-site/internal/notify"
	"github.com/combodevy/question-site/internal/search"
	"github.com/combodevy/question-site/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides API_ADDR)")
	serveCmd.Flags().String("store", "", "Storage backend: postgres or memory (overrides QBANK_STORE)")
	serveCmd.Flags().Bool("skip-migrations", false, "Do not apply database migrations on startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if driver, _ := cmd.Flags().GetString("store"); driver != "" {
		cfg.StoreDriver = driver
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	skipMigrations, _ := cmd.Flags().GetBool("skip-migrations")

	logger := logging.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore, err := openStore(ctx, cfg, !skipMigrations)
	if err != nil {
		return err
	}
	defer closeStore()

	var sinks []notify.Notifier
	if strings.TrimSpace(cfg.RedisURL) != "" {
		publisher, err := notify.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer publisher.Close()
		sinks = append(sinks, publisher)
		logger.Info("realtime notifications via redis pub/sub")
	}
	if strings.TrimSpace(cfg.RealtimeNotifyURL) != "" {
		sinks = append(sinks, notify.NewGateway(cfg.RealtimeNotifyURL, cfg.RealtimeNotifySecret, &http.Client{Timeout: cfg.NotifyTimeout}))
		logger.Info("realtime notifications via gateway", "url", cfg.RealtimeNotifyURL)
	}
	dispatcher := notify.NewDispatcher(logger, cfg.NotifyTimeout, sinks...)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewStoreSearcher(dataStore), logger)

	deps := app.Dependencies{
		Dispatcher: dispatcher,
		Search:     searchService,
		Logger:     logger,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		snapshots, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			logger.Warn("snapshot archive disabled", "endpoint", cfg.MinioEndpoint, "error", err)
		} else {
			deps.Archive = snapshots
		}
	}

	service := app.New(cfg, dataStore, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("question bank API listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := service.Wait(shutdownCtx); err != nil {
		logger.Warn("background work did not drain", "error", err)
	}
	logger.Info("question bank API stopped")
	return nil
}

// openStore builds the configured storage backend. The postgres pool is
// created here once and shared by everything that needs it.
func openStore(ctx context.Context, cfg config.Config, migrate bool) (app.DataStore, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		if err := store.ApplyMigrations(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
	}
	return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
}

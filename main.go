package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"themesync/internal/api"
	"themesync/internal/config"
	"themesync/internal/logging"
	"themesync/internal/safe"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadOrDefault(config.DefaultPath())
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	// Initialize BadgerDB
	opts := badger.DefaultOptions(filepath.Join(cfg.Database.Path, "db"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	// Version content lives in the safe, addressed by hash
	blobs, err := safe.New(db, safe.Options{
		Root:      filepath.Join(cfg.Database.Path, "blobs"),
		CacheSize: 256,
	})
	if err != nil {
		return fmt.Errorf("initializing blob store: %w", err)
	}
	defer blobs.Close()

	repo, err := api.NewRepository(db, blobs, api.RepositoryOptions{
		UploadTTL:      cfg.UploadTTL(),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("initializing repository: %w", err)
	}
	defer repo.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(api.NewFileHandler(repo, logger), cfg.Server.Tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if len(cfg.Server.Tokens) == 0 {
		logger.Warn("no tokens configured, every bearer token is accepted as its own user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("address", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convertd/auth"
	"convertd/blobstore"
	"convertd/config"
	"convertd/converter"
	"convertd/events"
	"convertd/job"
	"convertd/jobstore"
	"convertd/lifecycle"
	"convertd/logger"
	"convertd/notify"
	"convertd/routes"
	"convertd/scheduler"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the worker pool and the reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Close()
			if addr != "" {
				cfg.ListenAddr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides CONVERTD_LISTEN_ADDR)")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	logger.Info("Starting convertd server initialization")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := jobstore.Open(jobstore.Options{
		Driver:   cfg.DB.Driver,
		DSN:      cfg.DB.DSN,
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.Name,
		SSLMode:  cfg.DB.SSLMode,
		// postgres schemas come from `convertd migrate`
		AutoMigrate: cfg.DB.Driver == jobstore.DriverSQLite,
	})
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer jobstore.Close(db)
	store := jobstore.New(db)
	logger.Infof("Job store initialized (%s)", cfg.DB.Driver)

	blobs, err := blobstore.Open(ctx, cfg.Blob, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}
	defer blobs.Close()

	registry := converter.NewRegistry()
	converter.RegisterDefaults(registry, converter.Settings{
		FFmpegPath:   cfg.FFmpegPath,
		PdftoppmPath: cfg.PdftoppmPath,
		TempDir:      filepath.Join(cfg.DataDir, "work"),
	}, blobs)

	// the bus outlives ctx so the transitions written during shutdown still
	// reach subscribers
	busCtx, stopBus := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBus()
	bus := events.NewBus(events.ChannelSize)
	bus.Start(busCtx)
	bus.Subscribe(notify.New(notify.Config{}).Handle)

	reaper := scheduler.NewReaper(scheduler.ReaperConfig{
		Interval:        cfg.ReapInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		MaxAttempts:     cfg.MaxAttempts,
		Retention:       cfg.Retention,
		PurgeAfter:      cfg.PurgeAfter,
		ReclaimGrace:    cfg.ReclaimGrace,
	}, store, blobs, bus)
	// jobs left Running by a previous process
	if err := reaper.Recover(ctx); err != nil {
		logger.Errorf("Startup recovery failed: %v", err)
	}

	pool := scheduler.NewPool(scheduler.Config{
		Workers: cfg.Workers,
		Policy: lifecycle.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
		},
		ConvertTimeout:    cfg.ConvertTimeout,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StoreRetryBase:    cfg.StoreRetryBase,
		StoreRetryMax:     cfg.StoreRetryMax,
		ShutdownGrace:     cfg.ShutdownGrace,
	}, store, registry, bus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reaper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	handler := routes.NewRouter(routes.Options{
		Jobs:     job.NewService(store, blobs, registry, bus, cfg.MaxAttempts),
		Adapters: registry,
		Events:   bus,
		Auth: auth.Config{
			SecretKey:      []byte(cfg.JWTSecret),
			ExpectedIssuer: cfg.JWTIssuer,
		},
		MaxUploadBytes: cfg.MaxUploadBytes,
		Ping: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	})
	if len(cfg.JWTSecret) == 0 {
		logger.Warn("CONVERTD_JWT_SECRET is empty, job endpoints are unauthenticated")
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("convertd listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown failed: %v", err)
	}
	wg.Wait()
	logger.Info("convertd stopped")
	return runErr
}

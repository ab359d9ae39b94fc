package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"labelroom/config"
	"labelroom/config/cache"
	"labelroom/config/database"
	collabHandler "labelroom/internal/collab"
	"labelroom/internal/collab/events"
	"labelroom/internal/collab/repository"
	"labelroom/internal/collab/service"
	"labelroom/pkg/logger"
	"labelroom/router"
	"labelroom/socket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger.Init(cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var deps service.Deps
	var archive collabHandler.ArchiveLister
	var checkpoints *repository.CheckpointWorker

	// Checkpoint gateway.
	if rdb := cache.Connect(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); rdb != nil {
		defer rdb.Close()
		snapshots := repository.NewSnapshotRepository(rdb)
		checkpoints = repository.NewCheckpointWorker(snapshots, cfg.SnapshotTTL, cfg.CheckpointInterval)
		deps.Checkpoints = checkpoints
		deps.Snapshots = snapshots
	}

	// Archive of destroyed sessions.
	if db := database.Connect(cfg.DatabaseURL); db != nil {
		defer db.Close()
		repo := repository.NewArchiveRepository(db)
		if err := repo.EnsureSchema(ctx); err == nil {
			deps.Archive = repo
			archive = repo
		}
	}

	// Audit stream.
	var dispatcher *events.Dispatcher
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := events.NewSyncProducer(brokers)
		if err != nil {
			logger.Sugar.Errorf("Failed to connect to kafka, audit stream disabled: %v", err)
		} else {
			dispatcher = events.NewDispatcher(producer, cfg.KafkaTopic, events.Options{MaxRetry: 3})
			deps.Audit = dispatcher
		}
	}

	manager := service.NewSessionManager(service.Options{
		MaxUsers:        cfg.MaxUsersPerSession,
		HistorySize:     cfg.HistorySize,
		JoinHistory:     cfg.JoinHistoryLimit,
		TransformWindow: cfg.TransformWindow,
		ConcurrencyBand: cfg.ConcurrencyBand,
		LockTTL:         cfg.LockTTL,
		IdleTimeout:     cfg.IdleTimeout,
		EnforceLocks:    cfg.EnforceLocks,
	}, deps)
	hub := socket.NewHub(manager, cfg.LockSweepInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Setup(manager, hub, archive, cfg.JWTSecret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if checkpoints != nil {
		g.Go(func() error { return checkpoints.Run(gctx) })
	}
	g.Go(func() error {
		logger.Sugar.Infof("Annotation collaboration server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Sugar.Errorf("Server stopped with error: %v", err)
	}

	manager.Close()
	if dispatcher != nil {
		if err := dispatcher.Close(); err != nil {
			logger.Sugar.Errorf("Failed to close kafka producer: %v", err)
		}
	}
	logger.Sugar.Info("Shutdown complete")
}

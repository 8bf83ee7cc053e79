package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"framebroker/internal/broker"
	"framebroker/internal/config"
	"framebroker/internal/logger"
	"framebroker/internal/metric"
	"framebroker/internal/repository/sqlite"
	"framebroker/internal/route"
	"framebroker/internal/service"
	"framebroker/internal/service/imaging"
	"framebroker/internal/service/storage"
	hub "framebroker/internal/service/websocket"
)

const (
	attachRetry     = time.Second
	shutdownTimeout = 5 * time.Second
)

// App is the viewer process: a broker consumer that serves live frames,
// motion snapshots, broker stats and metrics over HTTP.
type App struct {
	config   *config.Config
	logger   *logger.Logger
	db       *sqlite.DB
	repo     *sqlite.SnapshotRepository
	registry *metric.Registry
	hub      *hub.HubService
	buffer   *storage.BufferService
	motion   *imaging.MotionDetector
	encoder  *imaging.JPEGEncoder
}

// NewApp opens the log files and the snapshot database.
func NewApp(cfg *config.Config) (*App, error) {
	log, err := logger.NewLogger(cfg.LogDirectory)
	if err != nil {
		return nil, fmt.Errorf("open logs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		log.Close()
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Close()
		return nil, err
	}
	repo := sqlite.NewSnapshotRepository(db)

	registry := metric.NewRegistry()

	return &App{
		config:   cfg,
		logger:   log,
		db:       db,
		repo:     repo,
		registry: registry,
		hub:      hub.NewHubService(log, registry.Metrics),
		buffer:   storage.NewBufferService(cfg, log, repo, registry.Metrics),
		motion:   imaging.NewMotionDetector(cfg.MotionThreshold, log),
		encoder:  imaging.NewJPEGEncoder(cfg.JPEGQuality),
	}, nil
}

// Run attaches to the topic and serves until ctx is done or the consumer is
// stopped by the broker.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	opts := a.config.BrokerOptions(broker.RoleConsumer)
	opts.Logger = a.logger
	a.logger.Info("Waiting for topic %s in %s", opts.Topic, opts.Dir)
	b, err := broker.AttachWait(ctx, opts, attachRetry)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("attach consumer %d: %w", opts.ID, err)
	}
	defer b.Detach()

	if err := a.registry.RegisterBroker(b); err != nil {
		return fmt.Errorf("register broker metrics: %w", err)
	}

	manager := service.NewManager(b, a.encoder, a.motion, a.hub, a.buffer, a.config, a.registry.Metrics, a.logger)

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", a.config.Port),
		Handler: route.SetupRoutes(route.Deps{
			Config:    a.config,
			Logger:    a.logger,
			Viewers:   a.hub,
			Stats:     b,
			Snapshots: a.repo,
			Metrics:   a.registry,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Framebroker viewer")
	a.logger.Info("URL: http://localhost:%d", a.config.Port)
	a.logger.Info("Topic: %s (consumer %d)", a.config.Topic, a.config.ConsumerID)
	a.logger.Info("Snapshots: %s", a.config.ImageDirectory)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.buffer.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := manager.Run(gctx)
		if service.IsStopped(err) {
			a.logger.Warning("Consumer %d was disconnected by the broker", a.config.ConsumerID)
		}
		return err
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (a *App) close() {
	a.motion.Close()
	if err := a.db.Close(); err != nil {
		a.logger.Error("Error closing database: %v", err)
	}
	a.logger.Close()
}

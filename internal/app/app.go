// Package app wires the upload agent together and runs it until it is
// signalled to stop.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrijs2005/gophupload/internal/checksum"
	"github.com/dmitrijs2005/gophupload/internal/config"
	"github.com/dmitrijs2005/gophupload/internal/controlplane"
	"github.com/dmitrijs2005/gophupload/internal/dedup"
	"github.com/dmitrijs2005/gophupload/internal/destcache"
	"github.com/dmitrijs2005/gophupload/internal/filex"
	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/media"
	"github.com/dmitrijs2005/gophupload/internal/metrics"
	"github.com/dmitrijs2005/gophupload/internal/models"
	"github.com/dmitrijs2005/gophupload/internal/progress"
	"github.com/dmitrijs2005/gophupload/internal/repositories/requests"
	"github.com/dmitrijs2005/gophupload/internal/scheduler"
	"github.com/dmitrijs2005/gophupload/internal/session"
	"github.com/dmitrijs2005/gophupload/internal/storage"
	"github.com/dmitrijs2005/gophupload/internal/transport/httpchan"
	"github.com/dmitrijs2005/gophupload/internal/transport/s3chan"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	pingTimeout     = 3 * time.Second
	shutdownTimeout = 5 * time.Second
	chunkTimeout    = 2 * time.Minute
)

type App struct {
	config       *config.Config
	logger       logging.Logger
	db           *sql.DB
	controlPlane *controlplane.GRPCClient
	registry     *session.Registry
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Metrics
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logging.ParseLevel(c.LogLevel)})
	logger := logging.NewSlogLogger(slog.New(handler))

	algo, ok := checksum.GetAlgorithm(c.HashAlgorithm)
	if !ok {
		return nil, fmt.Errorf("unknown hash algorithm %q", c.HashAlgorithm)
	}

	dsn := c.DatabaseDSN
	if dsn == "" {
		var err error
		if dsn, err = filex.DefaultDatabasePath(); err != nil {
			return nil, fmt.Errorf("db path error: %w", err)
		}
	}
	db, err := storage.InitDatabase(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	cp, err := controlplane.New(c.ServerEndpointAddr, c.APIToken)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("control plane client error: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	// A nil *Channel would be a non-nil interface, so the transports are
	// assigned only when configured.
	var fg, bg session.Transport
	var bgChunk int64
	if c.UploadURL != "" {
		fg = httpchan.New(&http.Client{Timeout: chunkTimeout}, c.UploadURL, c.APIToken)
	}
	if c.S3Bucket != "" {
		api, err := s3chan.NewClient(ctx, s3chan.Config{
			Region:       c.S3Region,
			Endpoint:     c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
			Bucket:       c.S3Bucket,
			Prefix:       c.S3Prefix,
			UsePathStyle: c.S3UsePathStyle,
		})
		if err != nil {
			_ = cp.Close()
			_ = db.Close()
			return nil, fmt.Errorf("s3 client error: %w", err)
		}
		bg = s3chan.New(api, c.S3Bucket, c.S3Prefix)
		bgChunk = s3chan.MinPartSize
	}
	if fg == nil && bg == nil {
		_ = cp.Close()
		_ = db.Close()
		return nil, errors.New("no transfer channel configured: set an upload URL or an S3 bucket")
	}

	registry := session.NewRegistry(fg, bg, session.Options{
		BackgroundThreshold: c.BackgroundThreshold,
		BackgroundChunkSize: bgChunk,
		Logger:              logger,
		Metrics:             m,
	})

	cache := destcache.New(c.DestCacheSize, c.DestCacheTTL)
	sched := scheduler.New(scheduler.Deps{
		Repo:      requests.NewSQLiteRepository(db),
		Source:    media.NewOSLibrary(c.LibraryRoot),
		Sessions:  registry,
		Finalizer: cp,
		Dedup:     dedup.NewResolver(cp, cache, m, logger),
		Counter:   progress.NewCounter(),
		DestCache: cache,
		Metrics:   m,
		Logger:    logger,
	}, scheduler.Options{
		ChunkSize:              c.ChunkSize,
		Algorithm:              algo,
		MaxPrepared:            c.MaxPrepared,
		MaxConcurrentTransfers: c.MaxConcurrentTransfers,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		AllowedMimeTypes:       c.AllowedMimeTypes,
		PruneMissingSources:    c.PruneMissingSources,
	})

	return &App{
		config:       c,
		logger:       logger,
		db:           db,
		controlPlane: cp,
		registry:     registry,
		scheduler:    sched,
		metrics:      m,
	}, nil
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			app.logger.Info(ctx, "shutdown signal received")
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// Run starts the scheduler, resumes the persisted queue and keeps the agent
// running until ctx is cancelled or a signal arrives.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting uploader...")
	app.initSignalHandler(ctx, cancelFunc)

	events, unsubscribe := app.scheduler.Subscribe(256)
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return app.scheduler.Run(gctx) })
	g.Go(func() error {
		logEvents(gctx, app.logger, events)
		return nil
	})

	if err := app.scheduler.ResumeAll(gctx); err != nil {
		cancelFunc()
		_ = g.Wait()
		app.close()
		return fmt.Errorf("resume error: %w", err)
	}
	app.submitConfigured(gctx)

	g.Go(func() error {
		watchConnectivity(gctx, app.controlPlane, app.config.OnlineCheckInterval, app.logger, func() {
			if err := app.scheduler.RetryFailed(gctx, ""); err != nil && gctx.Err() == nil {
				app.logger.Warn(gctx, "failed to resume failed uploads", "error", err)
			}
		})
		return nil
	})

	if app.config.MetricsAddr != "" {
		g.Go(func() error { return app.serveMetrics(gctx) })
	}

	err := g.Wait()
	app.close()
	app.logger.Info(context.Background(), "uploader stopped")
	return err
}

func (app *App) submitConfigured(ctx context.Context) {
	for _, ref := range app.config.SubmitAssets {
		id, err := app.scheduler.Submit(ctx, models.SubmitParams{
			AssetRef:    ref,
			Destination: app.config.SubmitDestination,
			Priority:    models.PriorityManual,
		})
		if err != nil {
			app.logger.Error(ctx, "failed to submit asset", "asset", ref, "error", err)
			continue
		}
		app.logger.Info(ctx, "asset queued", "asset", ref, "request_id", id)
	}
}

func (app *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	srv := &http.Server{Addr: app.config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	app.logger.Info(ctx, "metrics endpoint listening", "addr", app.config.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (app *App) close() {
	app.registry.Close()
	if err := app.controlPlane.Close(); err != nil {
		app.logger.Warn(context.Background(), "failed to close control plane connection", "error", err)
	}
	if err := app.db.Close(); err != nil {
		app.logger.Warn(context.Background(), "failed to close database", "error", err)
	}
}

// logEvents writes scheduler events to the log until the stream closes.
func logEvents(ctx context.Context, logger logging.Logger, events <-chan models.Event) {
	for ev := range events {
		switch {
		case ev.Blocked:
			logger.Warn(ctx, "uploads paused", "request_id", ev.RequestID, "reason", ev.Message)
		case ev.Removed:
			logger.Info(ctx, "request removed", "request_id", ev.RequestID, "reason", ev.Message)
		case ev.Class != "":
			logger.Warn(ctx, "upload failed", "request_id", ev.RequestID, "state", ev.State, "class", ev.Class, "error", ev.Message)
		default:
			logger.Debug(ctx, "upload event", "request_id", ev.RequestID, "state", ev.State, "progress", ev.Progress)
		}
	}
}

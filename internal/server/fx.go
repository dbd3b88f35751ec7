// Package server builds the job runner's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/api"
	"github.com/JakeFAU/headless-job-runner/internal/browser"
	"github.com/JakeFAU/headless-job-runner/internal/config"
	collyfetcher "github.com/JakeFAU/headless-job-runner/internal/fetcher/colly"
	"github.com/JakeFAU/headless-job-runner/internal/hash/sha256"
	"github.com/JakeFAU/headless-job-runner/internal/logging"
	"github.com/JakeFAU/headless-job-runner/internal/metrics"
	"github.com/JakeFAU/headless-job-runner/internal/policy/ratelimit"
	"github.com/JakeFAU/headless-job-runner/internal/pool"
	"github.com/JakeFAU/headless-job-runner/internal/progress"
	progresssinks "github.com/JakeFAU/headless-job-runner/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/headless-job-runner/internal/publisher/pubsub"
	"github.com/JakeFAU/headless-job-runner/internal/queue"
	"github.com/JakeFAU/headless-job-runner/internal/script"
	artifactstore "github.com/JakeFAU/headless-job-runner/internal/storage"
	gcsstorage "github.com/JakeFAU/headless-job-runner/internal/storage/gcs"
	localstorage "github.com/JakeFAU/headless-job-runner/internal/storage/local"
	memorystorage "github.com/JakeFAU/headless-job-runner/internal/storage/memory"
	pgstore "github.com/JakeFAU/headless-job-runner/internal/storage/postgres"
	"github.com/JakeFAU/headless-job-runner/internal/telemetry"
	"github.com/JakeFAU/headless-job-runner/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	scheduler   *queue.Scheduler
	browserPool *pool.Pool
	recorder    *metrics.Recorder
	progressHub *progress.Hub

	pubsubClient   *pubsub.Client
	publisher      *gcppublisher.Publisher
	storageClient  *storage.Client
	eventStore     *pgstore.EventStore
	tracerProvider *sdktrace.TracerProvider

	registerer prometheus.Registerer
	launcher   browser.Launcher
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers sink collectors against reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithLauncher replaces the Chrome launcher.
func WithLauncher(l browser.Launcher) Option {
	return func(a *App) { a.launcher = l }
}

// WithLogger skips logger construction from config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := logging.New(cfg.Logging.Development)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
		app.logger = logger
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		zap.Int("max_browsers", cfg.Pool.MaxBrowsers),
		zap.String("artifacts_backend", cfg.Artifacts.Backend),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerProvider = tp

	if err := setupProgress(ctx, app); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	var emitter progress.Emitter
	if app.progressHub != nil {
		emitter = app.progressHub
	}
	app.recorder = metrics.New(metrics.Config{
		Capacity: cfg.Metrics.Capacity,
		Logger:   app.logger,
		Emitter:  emitter,
	})

	if app.launcher == nil {
		app.launcher = browser.NewChromedpLauncher(browser.ChromedpConfig{
			ExecPath:          cfg.Pool.ChromePath,
			NoSandbox:         cfg.Pool.NoSandbox,
			NavigationTimeout: time.Duration(cfg.Pool.NavigationTimeout) * time.Second,
		})
	}
	app.browserPool = pool.New(app.launcher, pool.Config{
		MaxBrowsers:     cfg.Pool.MaxBrowsers,
		MemoryCeilingMB: cfg.Pool.MemoryCeilingMB,
		IdleTimeout:     time.Duration(cfg.Pool.IdleTimeoutSec) * time.Second,
		RateLimit:       time.Duration(cfg.Pool.RateLimitMs) * time.Millisecond,
		PollInterval:    time.Duration(cfg.Pool.PollIntervalMs) * time.Millisecond,
		MaxAttempts:     cfg.Pool.MaxAttempts,
	}, pool.Options{Recorder: app.recorder, Logger: app.logger})

	artifacts, err := setupArtifacts(ctx, app)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTPFetch.UserAgent,
		RespectRobots: cfg.HTTPFetch.RespectRobots,
		Timeout:       time.Duration(cfg.HTTPFetch.TimeoutSeconds) * time.Second,
		MaxBodyBytes:  cfg.HTTPFetch.MaxBodyBytes,
	}, ratelimit.New(ratelimit.Config{
		Interval: time.Duration(cfg.HTTPFetch.HostIntervalMs) * time.Millisecond,
		Burst:    1,
	}))
	app.logger.Info("script http helper configured",
		zap.String("user_agent", cfg.HTTPFetch.UserAgent),
		zap.Bool("respect_robots", cfg.HTTPFetch.RespectRobots),
	)

	runner := worker.New(app.browserPool, script.NewGojaExecutor(), worker.Options{
		Artifacts: artifacts,
		HTTP:      fetcher,
		Tracer:    telemetry.Tracer(),
		Logger:    app.logger,
	})
	app.scheduler = queue.New(runner, queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		Retention:      cfg.Queue.Retention,
		MinTimeout:     time.Duration(cfg.Queue.MinTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(cfg.Queue.MaxTimeoutMs) * time.Millisecond,
		DefaultTimeout: time.Duration(cfg.Queue.DefaultTimeoutMs) * time.Millisecond,
	}, queue.Options{Recorder: app.recorder, Logger: app.logger})

	app.apiServer = api.NewServer(app.scheduler, app.browserPool, app.recorder, app.logger.Named("api"))
	return app, nil
}

// Run serves HTTP and periodic maintenance until ctx ends or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()
	go a.maintain(ctx)

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.apiServer.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// maintain evicts finished jobs and idle browsers on the cleanup interval.
func (a *App) maintain(ctx context.Context) {
	interval := a.cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs := a.scheduler.Cleanup()
			browsers := a.browserPool.CleanupIdleBrowsers(ctx)
			a.logger.Debug("maintenance pass", zap.Int("jobs_evicted", jobs), zap.Int("browsers_evicted", browsers))
		}
	}
}

// Close drains running jobs, closes browsers and flushes sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.browserPool != nil {
		if err := a.browserPool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("browser pool shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.eventStore != nil {
		a.eventStore.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	//nolint:errcheck // stderr sync fails harmlessly on some platforms
	a.logger.Sync()
}

func setupArtifacts(ctx context.Context, app *App) (*artifactstore.Artifacts, error) {
	var blobStore artifactstore.BlobStore
	switch app.cfg.Artifacts.Backend {
	case "gcs":
		app.logger.Info("using GCS artifact backend", zap.String("bucket", app.cfg.Artifacts.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storageClient = client
		gcs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: app.cfg.Artifacts.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := gcs.Verify(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		blobStore = gcs
	case "local":
		app.logger.Info("using local artifact backend", zap.String("path", app.cfg.Artifacts.BaseDir))
		local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Artifacts.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobStore = local
	default:
		app.logger.Info("using in-memory artifact backend")
		blobStore = memorystorage.NewBlobStore()
	}
	return artifactstore.NewArtifacts(blobStore, sha256.New(), app.cfg.Artifacts.Prefix), nil
}

func setupProgress(ctx context.Context, app *App) error {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress fan-out disabled")
		return nil
	}
	promSink, err := progresssinks.NewPrometheusSink(app.registerer)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}

	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("added progress log sink")
	}

	if app.cfg.Archive.DSN != "" {
		app.eventStore, err = pgstore.NewEventStore(ctx, pgstore.EventStoreConfig{
			DSN:      app.cfg.Archive.DSN,
			Table:    app.cfg.Archive.Table,
			MaxConns: app.cfg.Archive.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("event archive init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewArchiveSink(app.eventStore, app.logger.Named("progress_archive")))
		app.logger.Info("event archive initialized", zap.String("table", app.cfg.Archive.Table))
	} else {
		app.logger.Warn("no archive DSN configured, metric events are kept in memory only")
	}

	if app.cfg.PubSub.ProjectID != "" && app.cfg.PubSub.TopicName != "" {
		app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.publisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
		sinkList = append(sinkList, progresssinks.NewNotifySink(
			app.publisher, app.cfg.PubSub.TopicName, app.logger.Named("progress_notify"),
		))
		app.logger.Info("Pub/Sub notifications enabled",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.TopicName),
		)
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatch,
		MaxBatchWait:   time.Duration(app.cfg.Progress.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

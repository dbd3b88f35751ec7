// Package worker executes a single admitted job: it leases a browser and page,
// validates the script, runs it under the job deadline and always hands the
// resources back.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/hash/sha256"
	"github.com/JakeFAU/headless-job-runner/internal/logging"
	"github.com/JakeFAU/headless-job-runner/internal/pool"
	"github.com/JakeFAU/headless-job-runner/internal/script"
	"github.com/JakeFAU/headless-job-runner/internal/telemetry"
)

// Progress labels reported while a job moves through its phases.
const (
	PhaseAcquiringBrowser = "acquiring browser"
	PhaseAcquiringPage    = "acquiring page"
	PhaseValidating       = "validating script"
	PhaseExecuting        = "executing script"
	PhaseReleasing        = "releasing resources"
)

// BrowserPool lends browsers and pages.
type BrowserPool interface {
	AcquireBrowser(ctx context.Context, headless bool) (*pool.BrowserLease, error)
	AcquirePage(ctx context.Context, browserID string) (*pool.PageLease, error)
}

// Job is the worker's view of an admitted job.
type Job struct {
	ID       string
	Code     string
	Timeout  time.Duration
	Headless bool
	RowData  map[string]string
}

// Outcome is what the queue applies to the job once execution settles.
type Outcome struct {
	Result    string
	Err       error
	Artifacts []string
	BrowserID string
}

// Failed reports whether the job should transition to failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Options carries optional collaborators.
type Options struct {
	Artifacts ArtifactStore
	HTTP      HTTPFetcher
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

// Worker runs jobs against the browser pool.
type Worker struct {
	pool      BrowserPool
	executor  script.Executor
	artifacts ArtifactStore
	http      HTTPFetcher
	tracer    trace.Tracer
	hasher    *sha256.Hasher
	logger    *zap.Logger
}

// New constructs a Worker.
func New(p BrowserPool, executor script.Executor, opts Options) *Worker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}
	return &Worker{
		pool:      p,
		executor:  executor,
		artifacts: opts.Artifacts,
		http:      opts.HTTP,
		tracer:    opts.Tracer,
		hasher:    sha256.New(),
		logger:    opts.Logger.Named("worker"),
	}
}

// Execute runs job to completion. report is called with a phase label at each step.
// Waiting for a browser is bounded only by ctx; the job timeout starts once a page is held.
func (w *Worker) Execute(ctx context.Context, job Job, report func(string)) (out Outcome) {
	if report == nil {
		report = func(string) {}
	}
	fingerprint := w.hasher.Fingerprint(job.Code)
	logger := logging.ForJob(w.logger, job.ID).With(zap.String("script_fingerprint", fingerprint))
	ctx, span := w.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("script.fingerprint", fingerprint),
		attribute.Bool("job.headless", job.Headless),
		attribute.Int64("job.timeout_ms", job.Timeout.Milliseconds()),
	))
	telemetry.IncActiveWorkers()
	defer func() {
		telemetry.DecActiveWorkers()
		if out.Err != nil {
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
	}()

	report(PhaseAcquiringBrowser)
	browserLease, err := w.pool.AcquireBrowser(ctx, job.Headless)
	if err != nil {
		telemetry.ObserveScript("resource_error")
		return Outcome{Err: fmt.Errorf("acquire browser: %w", err)}
	}
	out.BrowserID = browserLease.ID
	span.SetAttributes(attribute.String("browser.id", browserLease.ID))
	logger = logging.ForBrowser(logger, browserLease.ID)
	defer browserLease.Release()

	report(PhaseAcquiringPage)
	pageLease, err := w.pool.AcquirePage(ctx, browserLease.ID)
	if err != nil {
		telemetry.ObserveScript("resource_error")
		return Outcome{Err: fmt.Errorf("acquire page: %w", err), BrowserID: browserLease.ID}
	}
	// Page goes back before the browser: deferred calls run in reverse order.
	defer func() {
		report(PhaseReleasing)
		pageLease.Release()
	}()

	report(PhaseValidating)
	if err := script.Validate(job.Code); err != nil {
		telemetry.ObserveScript("invalid")
		logger.Info("script rejected by validator", zap.Error(err))
		return Outcome{Err: fmt.Errorf("invalid script: %w", err), BrowserID: browserLease.ID}
	}

	report(PhaseExecuting)
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	saver := newJobArtifacts(w.artifacts, job.ID)
	env := script.Env{
		Code:      job.Code,
		Page:      pageLease.Page,
		Browser:   browserLease.Browser,
		BrowserID: browserLease.ID,
		RowData:   job.RowData,
		Logger:    logger,
	}
	if saver != nil {
		env.Artifacts = saver
	}
	if w.http != nil {
		env.HTTP = fetcherGetter{fetcher: w.http}
	}

	start := time.Now()
	result, err := w.executor.Execute(runCtx, env)
	out = Outcome{Result: result, BrowserID: browserLease.ID, Artifacts: saver.URIs()}
	switch {
	case err == nil:
		telemetry.ObserveScript("completed")
		logger.Info("script completed", zap.Duration("elapsed", time.Since(start)))
	case ctx.Err() != nil:
		telemetry.ObserveScript("cancelled")
		out.Result = ""
		out.Err = fmt.Errorf("job cancelled: %w", ctx.Err())
	case errors.Is(err, script.ErrExecutionTimeout) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		telemetry.ObserveScript("timeout")
		logger.Warn("script timed out", zap.Duration("timeout", job.Timeout))
		out.Result = ""
		out.Err = script.ErrExecutionTimeout
	default:
		telemetry.ObserveScript("failed")
		logger.Info("script failed", zap.Error(err))
		out.Result = ""
		out.Err = err
	}
	return out
}

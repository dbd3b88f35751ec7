package queue

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/clock/system"
	"github.com/JakeFAU/headless-job-runner/internal/id/uuid"
	"github.com/JakeFAU/headless-job-runner/internal/progress"
	"github.com/JakeFAU/headless-job-runner/internal/telemetry"
	"github.com/JakeFAU/headless-job-runner/internal/worker"
)

const (
	progressQueued    = "queued"
	progressStarting  = "starting"
	progressCompleted = "completed"
	progressFailed    = "failed"
)

// Runner executes one admitted job. worker.Worker satisfies it.
type Runner interface {
	Execute(ctx context.Context, job worker.Job, report func(string)) worker.Outcome
}

// EventRecorder receives job lifecycle events.
type EventRecorder interface {
	Record(evt progress.Event)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config bounds concurrency, retention and job timeouts.
type Config struct {
	MaxConcurrent  int
	Retention      int
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Recorder EventRecorder
	Clock    Clock
	IDs      IDGenerator
	Logger   *zap.Logger
}

type entry struct {
	job Job
	seq uint64
}

// Scheduler stores jobs and admits pending ones while fewer than MaxConcurrent are in flight.
type Scheduler struct {
	cfg      Config
	runner   Runner
	recorder EventRecorder
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	admitting atomic.Bool

	mu       sync.Mutex
	jobs     map[string]*entry
	inFlight map[string]struct{}
	seq      uint64
	closed   bool
}

// New builds a Scheduler. Zero config values fall back to 3 concurrent jobs, 1000 retained
// terminal jobs and timeouts clamped to [5s, 120s] with a 30s default.
func New(runner Runner, cfg Config, opts Options) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 1000
	}
	if cfg.MinTimeout <= 0 {
		cfg.MinTimeout = 5 * time.Second
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 120 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		recorder: opts.Recorder,
		clock:    opts.Clock,
		ids:      opts.IDs,
		logger:   opts.Logger.Named("queue"),
		baseCtx:  ctx,
		cancel:   cancel,
		jobs:     make(map[string]*entry),
		inFlight: make(map[string]struct{}),
	}
}

// MaxConcurrent reports the admission limit.
func (s *Scheduler) MaxConcurrent() int {
	return s.cfg.MaxConcurrent
}

// SanitizeTimeout applies the default to non-positive values and clamps the rest.
func (s *Scheduler) SanitizeTimeout(millis int) time.Duration {
	if millis <= 0 {
		return s.cfg.DefaultTimeout
	}
	d := time.Duration(millis) * time.Millisecond
	return min(max(d, s.cfg.MinTimeout), s.cfg.MaxTimeout)
}

// Submit stores a pending job, triggers admission and returns its id without waiting for execution.
func (s *Scheduler) Submit(code string, cfg JobConfig, rowData map[string]string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: code is required", ErrInvalidSubmission)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	cfg.TimeoutMillis = int(s.SanitizeTimeout(cfg.TimeoutMillis).Milliseconds())
	job := Job{
		ID:        id,
		Code:      code,
		Config:    cfg,
		RowData:   cloneRowData(rowData),
		Status:    StatusPending,
		Progress:  progressQueued,
		CreatedAt: s.clock.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrQueueClosed
	}
	s.seq++
	s.jobs[id] = &entry{job: job, seq: s.seq}
	s.publishDepthLocked()
	s.mu.Unlock()

	s.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.Int("timeout_ms", cfg.TimeoutMillis),
		zap.Bool("headless", cfg.Headless),
	)
	s.record(progress.Event{Kind: progress.KindJobSubmitted, JobID: id})
	s.admit()
	return id, nil
}

// GetJob returns a copy of the job.
func (s *Scheduler) GetJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	return e.job.clone(), nil
}

// QueuePosition is 1 plus the number of pending jobs ahead of id, or 0 when id is not pending.
func (s *Scheduler) QueuePosition(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked(id)
}

func (s *Scheduler) positionLocked(id string) int {
	target, ok := s.jobs[id]
	if !ok || target.job.Status != StatusPending {
		return 0
	}
	pos := 1
	for _, e := range s.jobs {
		if e.job.Status == StatusPending && ahead(e, target) {
			pos++
		}
	}
	return pos
}

// ahead orders pending jobs by creation time, then by submission order.
func ahead(a, b *entry) bool {
	if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
		return a.job.CreatedAt.Before(b.job.CreatedAt)
	}
	return a.seq < b.seq
}

// Snapshot returns the job with its processing time and, while pending, its position and estimated wait.
func (s *Scheduler) Snapshot(id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("get job %s: %w", id, ErrJobNotFound)
	}
	snap := Snapshot{Job: e.job.clone()}
	if started := e.job.StartedAt; started != nil {
		end := s.clock.Now()
		if e.job.CompletedAt != nil {
			end = *e.job.CompletedAt
		}
		ms := end.Sub(*started).Milliseconds()
		snap.ProcessingTimeMillis = &ms
	}
	if pos := s.positionLocked(id); pos > 0 {
		avg := s.statsLocked().AvgProcessingTimeSeconds
		batches := math.Ceil(float64(pos) / float64(s.cfg.MaxConcurrent))
		wait := int64(batches * avg * 1000)
		snap.QueuePosition = &pos
		snap.EstimatedWaitMillis = &wait
	}
	return snap, nil
}

// Stats counts jobs by status and estimates the wait for a new submission.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	st := Stats{Total: len(s.jobs), MaxConcurrent: s.cfg.MaxConcurrent}
	var sum time.Duration
	var n int
	for _, e := range s.jobs {
		switch e.job.Status {
		case StatusPending:
			st.Pending++
		case StatusProcessing:
			st.Processing++
		case StatusCompleted:
			st.Completed++
			if e.job.StartedAt != nil && e.job.CompletedAt != nil {
				sum += e.job.CompletedAt.Sub(*e.job.StartedAt)
				n++
			}
		case StatusFailed:
			st.Failed++
		}
	}
	if n > 0 {
		st.AvgProcessingTimeSeconds = sum.Seconds() / float64(n)
	}
	batches := math.Ceil(float64(st.Pending) / float64(s.cfg.MaxConcurrent))
	st.EstimatedWaitTimeSeconds = batches * st.AvgProcessingTimeSeconds
	return st
}

// Cleanup keeps the most recently finished Retention terminal jobs and returns how many were evicted.
func (s *Scheduler) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	terminal := make([]*entry, 0)
	for _, e := range s.jobs {
		if e.job.Status.Terminal() {
			terminal = append(terminal, e)
		}
	}
	if len(terminal) <= s.cfg.Retention {
		return 0
	}
	sort.Slice(terminal, func(i, j int) bool {
		a, b := terminal[i].job.CompletedAt, terminal[j].job.CompletedAt
		if !a.Equal(*b) {
			return a.After(*b)
		}
		return terminal[i].seq > terminal[j].seq
	})
	evicted := 0
	for _, e := range terminal[s.cfg.Retention:] {
		delete(s.jobs, e.job.ID)
		evicted++
	}
	s.publishDepthLocked()
	s.logger.Info("evicted finished jobs", zap.Int("evicted", evicted), zap.Int("remaining", len(s.jobs)))
	return evicted
}

// Close stops admission, cancels running jobs and waits for them until ctx is done.
// Pending jobs stay pending.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue close: %w", ctx.Err())
	}
}

// admit runs one admission pass at a time. A caller that finds a pass in progress returns
// immediately; the running pass re-checks after releasing the flag so no wakeup is lost.
func (s *Scheduler) admit() {
	for {
		if !s.admitting.CompareAndSwap(false, true) {
			return
		}
		for {
			job, ok := s.nextAdmissible()
			if !ok {
				break
			}
			s.wg.Add(1)
			go s.run(job)
		}
		s.admitting.Store(false)
		if !s.hasAdmissible() {
			return
		}
	}
}

func (s *Scheduler) hasAdmissible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestPendingLocked() != nil
}

func (s *Scheduler) oldestPendingLocked() *entry {
	if s.closed || len(s.inFlight) >= s.cfg.MaxConcurrent {
		return nil
	}
	var oldest *entry
	for _, e := range s.jobs {
		if e.job.Status == StatusPending && (oldest == nil || ahead(e, oldest)) {
			oldest = e
		}
	}
	return oldest
}

// nextAdmissible moves the oldest pending job to processing and claims an in-flight slot.
func (s *Scheduler) nextAdmissible() (worker.Job, bool) {
	s.mu.Lock()
	e := s.oldestPendingLocked()
	if e == nil {
		s.mu.Unlock()
		return worker.Job{}, false
	}
	now := s.clock.Now()
	e.job.Status = StatusProcessing
	e.job.StartedAt = &now
	e.job.Progress = progressStarting
	s.inFlight[e.job.ID] = struct{}{}
	job := worker.Job{
		ID:       e.job.ID,
		Code:     e.job.Code,
		Timeout:  time.Duration(e.job.Config.TimeoutMillis) * time.Millisecond,
		Headless: e.job.Config.Headless,
		RowData:  cloneRowData(e.job.RowData),
	}
	s.publishDepthLocked()
	s.mu.Unlock()

	s.record(progress.Event{Kind: progress.KindJobStarted, JobID: job.ID})
	return job, true
}

func (s *Scheduler) run(job worker.Job) {
	defer s.wg.Done()
	out := s.runner.Execute(s.baseCtx, job, func(label string) { s.setProgress(job.ID, label) })
	s.finish(job.ID, out)
	s.admit()
}

func (s *Scheduler) setProgress(id, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok && e.job.Status == StatusProcessing {
		e.job.Progress = label
	}
}

// finish applies the terminal transition once and records the matching event.
func (s *Scheduler) finish(id string, out worker.Outcome) {
	now := s.clock.Now()
	s.mu.Lock()
	delete(s.inFlight, id)
	e, ok := s.jobs[id]
	if !ok || e.job.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	e.job.CompletedAt = &now
	e.job.Artifacts = out.Artifacts
	var duration time.Duration
	if e.job.StartedAt != nil {
		duration = now.Sub(*e.job.StartedAt)
	}
	evt := progress.Event{JobID: id, BrowserID: out.BrowserID, Duration: progress.WithDuration(duration)}
	if out.Failed() {
		e.job.Status = StatusFailed
		e.job.Error = out.Err.Error()
		e.job.Progress = progressFailed
		evt.Kind = progress.KindJobFailed
		evt.ErrorType = e.job.Error
	} else {
		result := out.Result
		e.job.Status = StatusCompleted
		e.job.Result = &result
		e.job.Progress = progressCompleted
		evt.Kind = progress.KindJobCompleted
	}
	status := e.job.Status
	s.publishDepthLocked()
	s.mu.Unlock()

	s.logger.Info("job finished",
		zap.String("job_id", id),
		zap.String("status", string(status)),
		zap.Duration("duration", duration),
	)
	s.record(evt)
}

func (s *Scheduler) record(evt progress.Event) {
	if s.recorder != nil {
		s.recorder.Record(evt)
	}
}

func (s *Scheduler) publishDepthLocked() {
	var pending, finished int
	for _, e := range s.jobs {
		switch {
		case e.job.Status == StatusPending:
			pending++
		case e.job.Status.Terminal():
			finished++
		}
	}
	telemetry.SetQueueDepth(pending, len(s.inFlight), finished)
}

func cloneRowData(in map[string]string) map[string]string {
	if in == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

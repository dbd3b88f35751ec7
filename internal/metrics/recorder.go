// Package metrics keeps a bounded log of job and browser events and derives
// aggregate health indicators from it.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/clock/system"
	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

const (
	defaultCapacity = 10000

	alertSlowJob      = 60 * time.Second
	alertHighMemoryMB = 500
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Config wires the recorder's collaborators.
type Config struct {
	Capacity int
	Clock    Clock
	Logger   *zap.Logger
	// Emitter receives a copy of every recorded event; it must not block.
	Emitter progress.Emitter
}

// Recorder stores the most recent events, oldest first.
type Recorder struct {
	capacity int
	clock    Clock
	logger   *zap.Logger
	emitter  progress.Emitter

	mu        sync.RWMutex
	events    []progress.Event
	startedAt time.Time
	running   int
	peak      int
}

// New builds a Recorder. Capacity defaults to 10,000 events.
func New(cfg Config) *Recorder {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Recorder{
		capacity:  cfg.Capacity,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("metrics"),
		emitter:   cfg.Emitter,
		events:    make([]progress.Event, 0, min(cfg.Capacity, 1024)),
		startedAt: cfg.Clock.Now(),
	}
}

// Record stamps evt with the current time and appends it, dropping the oldest
// events beyond capacity. Invalid events are logged and discarded.
func (r *Recorder) Record(evt progress.Event) {
	evt.TS = r.clock.Now()
	if err := evt.Validate(); err != nil {
		r.logger.Warn("discarding invalid metric event", zap.String("type", string(evt.Kind)), zap.Error(err))
		return
	}

	r.mu.Lock()
	r.events = append(r.events, evt)
	if over := len(r.events) - r.capacity; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
	switch evt.Kind {
	case progress.KindJobStarted:
		r.running++
		if r.running > r.peak {
			r.peak = r.running
		}
	case progress.KindJobCompleted, progress.KindJobFailed:
		if r.running > 0 {
			r.running--
		}
	}
	r.mu.Unlock()

	r.alert(evt)
	if r.emitter != nil {
		r.emitter.Emit(evt)
	}
}

func (r *Recorder) alert(evt progress.Event) {
	if evt.Kind == progress.KindJobFailed {
		r.logger.Warn("ALERT: job failed", zap.String("job_id", evt.JobID), zap.String("error", evt.ErrorType))
	}
	if evt.Duration != nil && *evt.Duration > alertSlowJob {
		r.logger.Warn("ALERT: slow job",
			zap.String("job_id", evt.JobID),
			zap.Duration("duration", *evt.Duration),
		)
	}
	if evt.MemoryMB != nil && *evt.MemoryMB > alertHighMemoryMB {
		r.logger.Warn("ALERT: high memory usage",
			zap.String("browser_id", evt.BrowserID),
			zap.Float64("memory_mb", *evt.MemoryMB),
		)
	}
}

// Len reports how many events are retained.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

// Reset clears the log, the concurrency counters and the uptime reference.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
	r.running = 0
	r.peak = 0
	r.startedAt = r.clock.Now()
	r.logger.Info("metrics reset")
}

// window returns a copy of events at or after now-window, plus the time used as now.
func (r *Recorder) window(window time.Duration) ([]progress.Event, time.Time) {
	now := r.clock.Now()
	cutoff := now.Add(-window)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]progress.Event, 0, len(r.events))
	for _, e := range r.events {
		if !e.TS.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, now
}

func (r *Recorder) snapshot() []progress.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]progress.Event(nil), r.events...)
}

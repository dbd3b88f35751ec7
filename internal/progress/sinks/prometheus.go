package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

// PrometheusSink exports job and browser lifecycle metrics via Prometheus.
type PrometheusSink struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec

	browsersCreated prometheus.Counter
	browsersClosed  prometheus.Counter
	browserMemory   prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrunner_jobs_submitted_total",
			Help: "Total jobs accepted by the scheduler.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobrunner_jobs_finished_total",
			Help: "Total jobs that reached a terminal state, partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobrunner_jobs_running",
			Help: "Jobs currently executing according to the event stream.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobrunner_job_runtime_seconds",
			Help:    "Wall time from start to terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 45, 60, 90, 120},
		}, []string{"result"}),
		browsersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrunner_browsers_created_total",
			Help: "Browser instances launched by the pool.",
		}),
		browsersClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobrunner_browsers_closed_total",
			Help: "Browser instances closed by the pool.",
		}),
		browserMemory: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobrunner_browser_memory_megabytes",
			Help:    "Memory samples reported with browser events.",
			Buckets: []float64{50, 100, 200, 300, 400, 500, 750, 1000},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.browsersCreated,
		s.browsersClosed,
		s.browserMemory,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register metric collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindJobSubmitted:
		s.jobsSubmitted.Inc()
	case progress.KindJobStarted:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindJobCompleted:
		s.finish(evt, "success")
	case progress.KindJobFailed:
		s.finish(evt, "error")
	case progress.KindBrowserCreated:
		s.browsersCreated.Inc()
	case progress.KindBrowserClosed:
		s.browsersClosed.Inc()
	}
	if evt.MemoryMB != nil {
		s.browserMemory.Observe(*evt.MemoryMB)
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Duration != nil {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Duration.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}

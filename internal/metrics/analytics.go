package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

const (
	// DefaultWindow is used when callers pass a non-positive window.
	DefaultWindow = time.Hour
	trendBucket   = 5 * time.Minute

	failureRateMinJobs    = 10
	failureRateThreshold  = 0.20
	slowProcessingMs      = 45000.0
	highMemoryThresholdMB = 400.0
)

// Stats aggregates events inside a trailing window. Times are milliseconds, memory is megabytes.
type Stats struct {
	TotalJobs             int     `json:"totalJobs"`
	SuccessfulJobs        int     `json:"successfulJobs"`
	FailedJobs            int     `json:"failedJobs"`
	AverageProcessingTime float64 `json:"averageProcessingTime"`
	AverageQueueTime      float64 `json:"averageQueueTime"`
	AverageMemoryUsage    float64 `json:"averageMemoryUsage"`
	TotalMemoryUsed       float64 `json:"totalMemoryUsed"`
	SuccessRate           float64 `json:"successRate"`
	PeakConcurrency       int     `json:"peakConcurrency"`
	Uptime                int64   `json:"uptime"`
}

// Trend is one 5-minute bucket.
type Trend struct {
	Timestamp         time.Time `json:"timestamp"`
	Jobs              int       `json:"jobs"`
	Completions       int       `json:"completions"`
	Failures          int       `json:"failures"`
	AvgProcessingTime float64   `json:"avgProcessingTime"`
	SuccessRate       float64   `json:"successRate"`
}

// AlertType names a derived alert.
type AlertType string

// Alert types.
const (
	AlertHighFailureRate AlertType = "high_failure_rate"
	AlertSlowProcessing  AlertType = "slow_processing"
	AlertHighMemory      AlertType = "high_memory"
)

// Alert is computed on demand and never stored.
type Alert struct {
	Type      AlertType `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
}

func normalizeWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}
	return window
}

// Stats computes aggregates over the trailing window.
func (r *Recorder) Stats(window time.Duration) Stats {
	events, now := r.window(normalizeWindow(window))

	var (
		st                 Stats
		procSum            time.Duration
		procCount          int
		queueSum           time.Duration
		queueCount         int
		memSum             float64
		memCount           int
		lastSubmittedByJob = map[string]time.Time{}
	)
	// events are in append order, which is timestamp order.
	for _, e := range events {
		switch e.Kind {
		case progress.KindJobSubmitted:
			st.TotalJobs++
			lastSubmittedByJob[e.JobID] = e.TS
		case progress.KindJobStarted:
			if submitted, ok := lastSubmittedByJob[e.JobID]; ok {
				queueSum += e.TS.Sub(submitted)
				queueCount++
			}
		case progress.KindJobCompleted:
			st.SuccessfulJobs++
			if e.Duration != nil {
				procSum += *e.Duration
				procCount++
			}
		case progress.KindJobFailed:
			st.FailedJobs++
		}
		if e.MemoryMB != nil {
			memSum += *e.MemoryMB
			memCount++
		}
	}

	st.AverageProcessingTime = meanMillis(procSum, procCount)
	st.AverageQueueTime = meanMillis(queueSum, queueCount)
	st.TotalMemoryUsed = memSum
	if memCount > 0 {
		st.AverageMemoryUsage = memSum / float64(memCount)
	}
	st.SuccessRate = successRate(st.SuccessfulJobs, st.TotalJobs)

	r.mu.RLock()
	st.PeakConcurrency = r.peak
	st.Uptime = now.Sub(r.startedAt).Milliseconds()
	r.mu.RUnlock()
	return st
}

// Trends buckets the window into 5-minute intervals aligned to the clock, ascending.
func (r *Recorder) Trends(window time.Duration) []Trend {
	events, _ := r.window(normalizeWindow(window))

	type acc struct {
		trend   Trend
		procSum time.Duration
		procN   int
	}
	buckets := map[time.Time]*acc{}
	for _, e := range events {
		key := e.TS.Truncate(trendBucket)
		b, ok := buckets[key]
		if !ok {
			b = &acc{trend: Trend{Timestamp: key}}
			buckets[key] = b
		}
		switch e.Kind {
		case progress.KindJobSubmitted:
			b.trend.Jobs++
		case progress.KindJobCompleted:
			b.trend.Completions++
			if e.Duration != nil {
				b.procSum += *e.Duration
				b.procN++
			}
		case progress.KindJobFailed:
			b.trend.Failures++
		}
	}

	out := make([]Trend, 0, len(buckets))
	for _, b := range buckets {
		b.trend.AvgProcessingTime = meanMillis(b.procSum, b.procN)
		b.trend.SuccessRate = successRate(b.trend.Completions, b.trend.Jobs)
		out = append(out, b.trend)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Alerts derives threshold alerts for the window.
func (r *Recorder) Alerts(window time.Duration) []Alert {
	events, _ := r.window(normalizeWindow(window))

	var (
		submitted, failed int
		procSum           time.Duration
		procN             int
		maxMemory         float64
		sawHighMemory     bool
	)
	for _, e := range events {
		switch e.Kind {
		case progress.KindJobSubmitted:
			submitted++
		case progress.KindJobFailed:
			failed++
		case progress.KindJobCompleted:
			if e.Duration != nil {
				procSum += *e.Duration
				procN++
			}
		}
		if e.MemoryMB != nil && *e.MemoryMB > highMemoryThresholdMB {
			sawHighMemory = true
			if *e.MemoryMB > maxMemory {
				maxMemory = *e.MemoryMB
			}
		}
	}

	alerts := []Alert{}
	if submitted > failureRateMinJobs {
		if ratio := float64(failed) / float64(submitted); ratio > failureRateThreshold {
			alerts = append(alerts, Alert{
				Type:      AlertHighFailureRate,
				Severity:  "critical",
				Message:   fmt.Sprintf("failure rate %.1f%% over %d jobs", ratio*100, submitted),
				Value:     ratio * 100,
				Threshold: failureRateThreshold * 100,
			})
		}
	}
	if avg := meanMillis(procSum, procN); avg > slowProcessingMs {
		alerts = append(alerts, Alert{
			Type:      AlertSlowProcessing,
			Severity:  "warning",
			Message:   fmt.Sprintf("average processing time %.0fms", avg),
			Value:     avg,
			Threshold: slowProcessingMs,
		})
	}
	if sawHighMemory {
		alerts = append(alerts, Alert{
			Type:      AlertHighMemory,
			Severity:  "warning",
			Message:   fmt.Sprintf("browser memory peaked at %.0fMB", maxMemory),
			Value:     maxMemory,
			Threshold: highMemoryThresholdMB,
		})
	}
	return alerts
}

func meanMillis(sum time.Duration, n int) float64 {
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(time.Millisecond) / float64(n)
}

func successRate(successes, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(successes) / float64(total) * 100
}

// Package progress defines the metric events emitted by the scheduler and the browser pool.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the type of milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindJobSubmitted   Kind = "job_submitted"
	KindJobStarted     Kind = "job_started"
	KindJobCompleted   Kind = "job_completed"
	KindJobFailed      Kind = "job_failed"
	KindBrowserCreated Kind = "browser_created"
	KindBrowserClosed  Kind = "browser_closed"
)

// Event captures a single lifecycle milestone of a job or browser instance.
type Event struct {
	// TS is the UTC timestamp assigned by the recorder.
	TS time.Time `json:"timestamp"`
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind `json:"type"`
	// JobID scopes job events.
	JobID string `json:"jobId,omitempty"`
	// BrowserID scopes browser events.
	BrowserID string `json:"browserId,omitempty"`
	// Duration is set on terminal job events once the job has started.
	Duration *time.Duration `json:"duration,omitempty"`
	// MemoryMB carries a memory sample in megabytes.
	MemoryMB *float64 `json:"memoryUsage,omitempty"`
	// ErrorType carries the failure message for job_failed events.
	ErrorType string `json:"errorType,omitempty"`
	// Metadata lets emitters attach low-volume context.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindJobSubmitted, KindJobStarted, KindJobCompleted, KindJobFailed:
		if e.JobID == "" {
			return fmt.Errorf("%s requires job id", e.Kind)
		}
	case KindBrowserCreated, KindBrowserClosed:
		if e.BrowserID == "" {
			return fmt.Errorf("%s requires browser id", e.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Duration != nil && *e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// IsTerminal reports whether the event closes out a job.
func (e Event) IsTerminal() bool {
	return e.Kind == KindJobCompleted || e.Kind == KindJobFailed
}

// Dur returns the optional duration or zero.
func (e Event) Dur() time.Duration {
	if e.Duration == nil {
		return 0
	}
	return *e.Duration
}

// WithDuration returns a pointer suitable for Event.Duration.
func WithDuration(d time.Duration) *time.Duration {
	return &d
}

// WithMemory returns a pointer suitable for Event.MemoryMB.
func WithMemory(mb float64) *float64 {
	return &mb
}

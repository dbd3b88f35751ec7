// Package queue owns job state and admits pending jobs onto workers with a bounded
// concurrency limit, in submission order.
package queue

import (
	"errors"
	"maps"
	"time"
)

var (
	// ErrJobNotFound is returned for unknown or already evicted job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidSubmission is returned when a submission cannot become a job.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("queue closed")
)

// Status is a job lifecycle state.
type Status string

// Job statuses. Transitions only move forward: pending, processing, then completed or failed.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobConfig holds per-job execution settings.
type JobConfig struct {
	TimeoutMillis int  `json:"timeoutMillis"`
	Headless      bool `json:"headless"`
}

// Job is a unit of submitted work.
type Job struct {
	ID          string            `json:"id"`
	Code        string            `json:"code,omitempty"`
	Config      JobConfig         `json:"config"`
	RowData     map[string]string `json:"rowData,omitempty"`
	Status      Status            `json:"status"`
	Result      *string           `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	Progress    string            `json:"progress,omitempty"`
	Artifacts   []string          `json:"artifacts,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

func (j Job) clone() Job {
	out := j
	out.RowData = maps.Clone(j.RowData)
	if j.Artifacts != nil {
		out.Artifacts = append([]string(nil), j.Artifacts...)
	}
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Snapshot is a job plus the derived fields clients poll for.
type Snapshot struct {
	Job
	ProcessingTimeMillis *int64 `json:"processingTimeMillis,omitempty"`

	// QueuePosition and EstimatedWaitMillis are set only while the job is pending.
	QueuePosition       *int   `json:"queuePosition,omitempty"`
	EstimatedWaitMillis *int64 `json:"estimatedWaitMillis,omitempty"`
}

// Stats summarizes the queue.
type Stats struct {
	Total                    int     `json:"total"`
	Pending                  int     `json:"pending"`
	Processing               int     `json:"processing"`
	Completed                int     `json:"completed"`
	Failed                   int     `json:"failed"`
	MaxConcurrent            int     `json:"maxConcurrent"`
	AvgProcessingTimeSeconds float64 `json:"avgProcessingTimeSeconds"`
	EstimatedWaitTimeSeconds float64 `json:"estimatedWaitTimeSeconds"`
}

package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// JobNotification is the payload published when a job reaches a terminal state.
type JobNotification struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// NotifySink publishes one JobNotification per terminal job event.
type NotifySink struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewNotifySink constructs a NotifySink publishing to topic.
func NewNotifySink(publisher Publisher, topic string, logger *zap.Logger) *NotifySink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifySink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes terminal events and skips everything else. The first
// publish error aborts the batch.
func (s *NotifySink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	for _, evt := range batch {
		if !evt.IsTerminal() {
			continue
		}
		msg := JobNotification{
			JobID:      evt.JobID,
			Status:     "completed",
			FinishedAt: evt.TS,
			DurationMs: evt.Dur().Milliseconds(),
		}
		if evt.Kind == progress.KindJobFailed {
			msg.Status = "failed"
			msg.Error = evt.ErrorType
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			return fmt.Errorf("publish job notification: %w", err)
		}
		s.logger.Debug("published job notification",
			zap.String("job_id", evt.JobID),
			zap.String("message_id", id),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *NotifySink) Close(context.Context) error {
	return nil
}

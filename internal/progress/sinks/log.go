package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

// LogSink writes one structured line per metric event. Useful during development
// or audits where no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("type", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != "" {
			fields = append(fields, zap.String("job_id", evt.JobID))
		}
		if evt.BrowserID != "" {
			fields = append(fields, zap.String("browser_id", evt.BrowserID))
		}
		if evt.Duration != nil {
			fields = append(fields, zap.Duration("dur", *evt.Duration))
		}
		if evt.MemoryMB != nil {
			fields = append(fields, zap.Float64("memory_mb", *evt.MemoryMB))
		}
		if evt.ErrorType != "" {
			fields = append(fields, zap.String("error_type", evt.ErrorType))
		}
		s.logger.Info("metric event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

// EventArchive persists metric events for offline analysis.
type EventArchive interface {
	InsertEvents(ctx context.Context, events []progress.Event) error
}

// ArchiveSink copies every batch into an EventArchive. The archive is
// write-only; the recorder never reads it back.
type ArchiveSink struct {
	archive EventArchive
	logger  *zap.Logger
}

// NewArchiveSink constructs an ArchiveSink for the provided archive.
func NewArchiveSink(archive EventArchive, logger *zap.Logger) *ArchiveSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{archive: archive, logger: logger}
}

// Consume forwards the batch and returns archive errors wrapped.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.archive == nil || len(batch) == 0 {
		return nil
	}
	if err := s.archive.InsertEvents(ctx, batch); err != nil {
		return fmt.Errorf("archive metric events: %w", err)
	}
	s.logger.Debug("archived metric events", zap.Int("count", len(batch)))
	return nil
}

// Close implements the Sink interface; the archive owner closes the pool.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}

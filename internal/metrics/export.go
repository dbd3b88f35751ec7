package metrics

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedFormat is returned by Export for unknown formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

var csvHeader = []string{"timestamp", "type", "jobId", "browserId", "duration", "memoryUsage", "errorType"}

type exportDocument struct {
	ExportedAt time.Time     `json:"exportedAt"`
	StartedAt  time.Time     `json:"startedAt"`
	Count      int           `json:"count"`
	Events     []exportEvent `json:"events"`
}

// exportEvent reports durations in milliseconds.
type exportEvent struct {
	Timestamp   time.Time         `json:"timestamp"`
	Type        string            `json:"type"`
	JobID       string            `json:"jobId,omitempty"`
	BrowserID   string            `json:"browserId,omitempty"`
	Duration    *int64            `json:"duration,omitempty"`
	MemoryUsage *float64          `json:"memoryUsage,omitempty"`
	ErrorType   string            `json:"errorType,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Export serializes the full retained log as JSON or CSV.
func (r *Recorder) Export(format string) (string, error) {
	events := r.snapshot()
	switch strings.ToLower(format) {
	case FormatJSON:
		r.mu.RLock()
		started := r.startedAt
		r.mu.RUnlock()
		doc := exportDocument{
			ExportedAt: r.clock.Now(),
			StartedAt:  started,
			Count:      len(events),
			Events:     make([]exportEvent, 0, len(events)),
		}
		for _, e := range events {
			out := exportEvent{
				Timestamp:   e.TS,
				Type:        string(e.Kind),
				JobID:       e.JobID,
				BrowserID:   e.BrowserID,
				MemoryUsage: e.MemoryMB,
				ErrorType:   e.ErrorType,
				Metadata:    e.Metadata,
			}
			if e.Duration != nil {
				ms := e.Duration.Milliseconds()
				out.Duration = &ms
			}
			doc.Events = append(doc.Events, out)
		}
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal metrics export: %w", err)
		}
		return string(raw), nil
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return "", fmt.Errorf("write csv header: %w", err)
		}
		for _, e := range events {
			duration, memory := "", ""
			if e.Duration != nil {
				duration = strconv.FormatInt(e.Duration.Milliseconds(), 10)
			}
			if e.MemoryMB != nil {
				memory = strconv.FormatFloat(*e.MemoryMB, 'f', -1, 64)
			}
			row := []string{
				e.TS.Format(time.RFC3339Nano),
				string(e.Kind),
				e.JobID,
				e.BrowserID,
				duration,
				memory,
				e.ErrorType,
			}
			if err := w.Write(row); err != nil {
				return "", fmt.Errorf("write csv row: %w", err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return "", fmt.Errorf("flush csv: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Package postgres provides the Postgres-backed metric event archive.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/headless-job-runner/internal/progress"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "metric_events"

// EventStoreConfig controls the Postgres connection pool used for archived events.
type EventStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// EventStore appends metric events to a Postgres table.
//
//	CREATE TABLE metric_events (
//		occurred_at  timestamptz NOT NULL,
//		kind         text        NOT NULL,
//		job_id       text,
//		browser_id   text,
//		duration_ms  bigint,
//		memory_mb    double precision,
//		error_type   text,
//		metadata     jsonb
//	);
type EventStore struct {
	pool  execCloser
	table string
	query string
}

// NewEventStore connects a pgx pool using the provided config.
func NewEventStore(ctx context.Context, cfg EventStoreConfig) (*EventStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("archive.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewEventStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewEventStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewEventStoreWithPool(pool execCloser, table string) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{
		pool:  pool,
		table: table,
		query: fmt.Sprintf(`
INSERT INTO %s (
	occurred_at,
	kind,
	job_id,
	browser_id,
	duration_ms,
	memory_mb,
	error_type,
	metadata
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8
)`, table),
	}, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertEvents writes one row per event, stopping at the first failure.
func (s *EventStore) InsertEvents(ctx context.Context, events []progress.Event) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("event store is not configured")
	}
	for i, evt := range events {
		args, err := rowArgs(evt)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		if _, err := s.pool.Exec(ctx, s.query, args...); err != nil {
			return fmt.Errorf("insert metric event: %w", err)
		}
	}
	return nil
}

func rowArgs(evt progress.Event) ([]any, error) {
	var durationMs *int64
	if evt.Duration != nil {
		ms := evt.Duration.Milliseconds()
		durationMs = &ms
	}
	var metadata []byte
	if len(evt.Metadata) > 0 {
		raw, err := json.Marshal(evt.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = raw
	}
	return []any{
		evt.TS,
		string(evt.Kind),
		nullable(evt.JobID),
		nullable(evt.BrowserID),
		durationMs,
		evt.MemoryMB,
		nullable(evt.ErrorType),
		metadata,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

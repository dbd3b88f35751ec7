// Package sinks implements concrete metric-event consumers: Prometheus collectors,
// structured logging, a Postgres archive and terminal-job notifications. Each sink
// satisfies progress.Sink and is safe for repeated Consume/Close cycles.
package sinks

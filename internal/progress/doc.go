// Package progress provides the metric event model, the non-blocking hub, and the
// emitter interfaces that the recorder uses to fan lifecycle events out. It batches
// events on a background goroutine and hands them to pluggable sinks such as
// Prometheus collectors, structured logs, a Postgres archive or Pub/Sub notifications.
package progress

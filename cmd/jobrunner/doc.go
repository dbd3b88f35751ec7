// Package main hosts the job runner service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts script submissions, job polling, script validation and the
//     metrics query routes. Request IDs, access logging, panic recovery and Prometheus request metrics are
//     applied as chi middleware.
//   - Scheduler: internal/queue.Scheduler keeps every job in memory and admits the oldest pending job whenever
//     fewer than queue.max_concurrent jobs are processing. Finished jobs are evicted past queue.retention.
//   - Browser pool: internal/pool.Pool launches at most pool.max_browsers Chrome instances through chromedp,
//     reuses idle pages, spaces acquisitions by pool.rate_limit_ms and recycles browsers over the memory ceiling.
//   - Execution: internal/worker runs each admitted job on a pooled page with the goja runtime, bounded by the
//     job's timeout. Screenshots land in the configured BlobStore (memory/local/GCS).
//   - Metrics: internal/metrics.Recorder holds the rolling event log behind /v1/metrics. Every event is also
//     fanned out through the progress Hub to Prometheus, an optional Postgres archive and Pub/Sub.
//
// Quick checklist:
//   - Configure env vars: JOBRUNNER_SERVER_PORT, JOBRUNNER_QUEUE_MAX_CONCURRENT, JOBRUNNER_POOL_MAX_BROWSERS,
//     JOBRUNNER_POOL_CHROME_PATH, artifacts (JOBRUNNER_ARTIFACTS_*), archive DSN and pubsub topic as needed.
//   - Run locally: go run ./cmd/jobrunner serve --config config.yaml
//   - Check a script: go run ./cmd/jobrunner validate script.js
package main

// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit a script, GET /v1/jobs/{id} to poll it.
//   - GET /v1/queue/stats for queue and browser pool occupancy.
//   - POST /v1/scripts/validate to check a script without running it.
//   - /v1/metrics/... for the rolling event log: stats, trends, alerts, export and reset.
package api

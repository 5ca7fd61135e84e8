// Package api hosts the archiver's operational HTTP server. Routes:
//   - GET /healthz and /readyz for liveness and archive reachability.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/last for the most recent run summary.
//   - GET /v1/archive for the archived row count.
package api

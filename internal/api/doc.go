// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for a JSON snapshot of the dispatch engine.
//   - POST /drain to request a graceful drain, same as one interrupt signal.
package api

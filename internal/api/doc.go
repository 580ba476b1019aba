// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /v1/tasks and /v1/tasks/{id}/... for crawl task inspection,
//     submission and cancellation.
//   - GET /v1/projects/{EXCHANGE:id}/... and /v1/trades/{id} for harvested data.
package api

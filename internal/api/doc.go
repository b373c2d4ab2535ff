// Package api hosts the HTTP server, middleware, and JSON handlers. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/sites and /v1/targets for entity CRUD, plus site checks and snapshot.
//   - POST /v1/preview for a one-off extraction and POST /v1/scheduler/tick for a manual tick.
//   - GET /v1/cron/next to list upcoming instants of an expression.
package api

// Package api hosts the status server that runs beside a harvest. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live run summary.
//   - GET /v1/entities/{id} for one entity's ledger state and contacts.
package api

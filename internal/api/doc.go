// Package api hosts the HTTP server, middleware, and REST handlers over the
// tool catalog. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tools, /v1/tools/{id}, /v1/categories for browsing.
//   - GET /v1/search?q=&mode=lexical|semantic|hybrid&limit= for queries.
package api

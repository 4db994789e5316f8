// Package api hosts the operator HTTP surface of a running crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for scheduler counters, identities and unreachable hosts.
//   - POST /v1/tasks to feed URLs into the running crawl.
//   - POST /v1/finish to stop the crawl after in-flight work drains.
package api

// Package stats records per-page statistics for successful fetches. Sinks
// export to Prometheus, publish to Pub/Sub, or insert into Postgres; Multi
// fans out to several at once.
package stats

// Package diag serves a read-only HTTP view of an mcpmgr.Manager: liveness,
// readiness, per-server status and tools, aggregate stats, and Prometheus
// metrics. It never mutates the supervised servers.
package diag

// Package metrics provides the centralized Prometheus registry reference
// for the collector. All metrics are defined in their respective packages
// (vco, pagination, ratelimit, writer, pipeline) to maintain modularity
// and avoid circular dependencies.
//
// This package provides documentation and reference for all available
// metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the collector.
// All metrics are automatically registered via promauto in their
// respective packages and served by the --metrics-addr listener.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/vco):
//   - vco_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - vco_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - vco_errors_total{class} (Counter): Errors by class (transient, rate_limited, permanent, malformed)
//   - vco_response_bytes_total{endpoint} (Counter): Response payload bytes by endpoint
//
// Retry Metrics (pkg/vco):
//   - vco_retries_total{error_class} (Counter): Retry attempts by error class
//   - vco_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - vco_retry_exhausted_total{error_class} (Counter): Budget exhaustions by error class
//
// Pagination Metrics (pkg/pagination):
//   - vco_pages_fetched_total{endpoint} (Counter): Pages fetched by endpoint
//   - vco_page_ceiling_total{endpoint} (Counter): Walks stopped by the safety page ceiling
//
// Rate Limit Metrics (pkg/ratelimit):
//   - vco_rate_limit_cooldowns_total (Counter): Cooldowns recorded after 429 responses
//   - vco_rate_limit_wait_seconds (Histogram): Time spent waiting out cooldowns
//   - vco_rate_limit_cooldown_remaining_seconds (Gauge): Remaining shared cooldown
//
// Writer Metrics (pkg/writer):
//   - vco_writer_records_total (Counter): Records written to the archive
//   - vco_writer_batches_total (Counter): Batches written to the archive
//   - vco_writer_bytes_total (Counter): Bytes written to the archive
//
// Run Metrics (pkg/pipeline):
//   - vco_runs_total{status} (Counter): Runs by terminal status
//   - vco_run_duration_seconds (Histogram): Run duration
//
// Example Prometheus Queries:
//
//   # Page Error Rate
//   rate(vco_errors_total[5m]) / rate(vco_requests_total[5m])
//
//   # P95 Page Latency
//   histogram_quantile(0.95, rate(vco_request_duration_seconds_bucket[5m]))
//
//   # Archive Throughput
//   rate(vco_writer_bytes_total[5m])
//
//   # Shared Cooldown Pressure
//   vco_rate_limit_cooldown_remaining_seconds > 0

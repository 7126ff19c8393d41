// Package metrics provides the centralized Prometheus metrics registry for
// the event search scraper. All metrics are defined in their respective
// packages (credentials, search, sink, scraper) to maintain modularity and
// avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the scraper.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Credential Metrics (pkg/credentials):
//   - event_search_key_rotations_total (Counter): API key rotations triggered by quota errors
//   - event_search_key_uses_total{key_index} (Counter): Successful requests per key index
//
// Request Metrics (pkg/search):
//   - event_search_api_requests_total{status} (Counter): Search API requests by HTTP status
//   - event_search_api_request_duration_seconds (Histogram): Request duration
//   - event_search_api_retries_total{error_class} (Counter): Retry attempts by error class
//   - event_search_pages_abandoned_total (Counter): Pages abandoned after retry exhaustion
//
// Sink Metrics (pkg/sink):
//   - event_search_rows_written_total{backend} (Counter): Output rows written by backend
//
// Candidate Metrics (pkg/scraper):
//   - event_search_candidates_total{result} (Counter): Candidates by outcome (succeeded, failed, skipped)
//   - event_search_candidate_duration_seconds (Histogram): Time per candidate including retries
//
// Example Prometheus Queries:
//
//   # Quota pressure: rotations per request
//   rate(event_search_key_rotations_total[5m]) /
//   rate(event_search_api_requests_total[5m])
//
//   # Candidate failure rate
//   rate(event_search_candidates_total{result="failed"}[5m])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(event_search_api_request_duration_seconds_bucket[5m]))

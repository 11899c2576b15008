// Package metrics exposes queue and HTTP metrics in Prometheus text
// format without pulling in a client library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all daemon metrics.
type Metrics struct {
	mu sync.RWMutex

	// HTTP
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> latency
	requestErrors   map[string]*uint64    // endpoint:method:status_class -> count

	// Queue gauges, refreshed from store counts
	queuePending    int64
	queueInProgress int64
	queueFailed     int64

	// Job counters
	counters map[string]*uint64

	startTime time.Time
}

// Histogram tracks value distributions.
type Histogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
	// Buckets sized for HTTP handler latency, not fetch duration.
	buckets    []float64
	bucketVals []uint64
}

// NewHistogram creates a histogram with default latency buckets.
func NewHistogram() *Histogram {
	return &Histogram{
		buckets:    []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		bucketVals: make([]uint64, 11),
	}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// New creates a Metrics instance.
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		counters:        make(map[string]*uint64),
		startTime:       time.Now(),
	}
}

var defaultMetrics = New()

// Default returns the process-wide metrics instance.
func Default() *Metrics {
	return defaultMetrics
}

// RecordRequest records one HTTP request.
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	m.mu.Lock()
	if m.requestCount[key] == nil {
		var zero uint64
		m.requestCount[key] = &zero
	}
	if m.requestDuration[key] == nil {
		m.requestDuration[key] = NewHistogram()
	}
	m.mu.Unlock()

	atomic.AddUint64(m.requestCount[key], 1)

	m.mu.RLock()
	m.requestDuration[key].Observe(duration.Seconds())
	m.mu.RUnlock()

	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		m.mu.Lock()
		if m.requestErrors[errorKey] == nil {
			var zero uint64
			m.requestErrors[errorKey] = &zero
		}
		m.mu.Unlock()
		atomic.AddUint64(m.requestErrors[errorKey], 1)
	}
}

// normalizeEndpoint replaces IDs in a path with a placeholder so each
// route produces one series.
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetQueueCounts refreshes the queue depth gauges.
func (m *Metrics) SetQueueCounts(pending, inProgress, failed int) {
	atomic.StoreInt64(&m.queuePending, int64(pending))
	atomic.StoreInt64(&m.queueInProgress, int64(inProgress))
	atomic.StoreInt64(&m.queueFailed, int64(failed))
}

// IncCounter increments a named counter.
func (m *Metrics) IncCounter(name string) {
	m.mu.Lock()
	if m.counters[name] == nil {
		var zero uint64
		m.counters[name] = &zero
	}
	m.mu.Unlock()
	atomic.AddUint64(m.counters[name], 1)
}

// Counter names used by the worker and API.
const (
	CounterJobsSubmitted = "jobs_submitted"
	CounterJobsCompleted = "jobs_completed"
	CounterJobsFailed    = "jobs_failed"
	CounterJobsRetried   = "jobs_retried"
)

// Handler returns the metrics endpoint handler.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		uptime := time.Since(m.startTime).Seconds()
		sb.WriteString("# HELP fetchbox_uptime_seconds Time since the daemon started\n")
		sb.WriteString("# TYPE fetchbox_uptime_seconds gauge\n")
		sb.WriteString(fmt.Sprintf("fetchbox_uptime_seconds %f\n\n", uptime))

		sb.WriteString("# HELP fetchbox_queue_jobs Queue depth by status\n")
		sb.WriteString("# TYPE fetchbox_queue_jobs gauge\n")
		sb.WriteString(fmt.Sprintf("fetchbox_queue_jobs{status=\"pending\"} %d\n", atomic.LoadInt64(&m.queuePending)))
		sb.WriteString(fmt.Sprintf("fetchbox_queue_jobs{status=\"in_progress\"} %d\n", atomic.LoadInt64(&m.queueInProgress)))
		sb.WriteString(fmt.Sprintf("fetchbox_queue_jobs{status=\"failed\"} %d\n\n", atomic.LoadInt64(&m.queueFailed)))

		m.mu.RLock()
		if len(m.counters) > 0 {
			sb.WriteString("# HELP fetchbox_jobs_total Job lifecycle counters\n")
			sb.WriteString("# TYPE fetchbox_jobs_total counter\n")
			names := sortedKeys(m.counters)
			for _, name := range names {
				count := atomic.LoadUint64(m.counters[name])
				sb.WriteString(fmt.Sprintf("fetchbox_jobs_total{event=\"%s\"} %d\n", name, count))
			}
			sb.WriteString("\n")
		}

		if len(m.requestCount) > 0 {
			sb.WriteString("# HELP fetchbox_http_requests_total Total HTTP requests\n")
			sb.WriteString("# TYPE fetchbox_http_requests_total counter\n")
			for _, key := range sortedKeys(m.requestCount) {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					count := atomic.LoadUint64(m.requestCount[key])
					sb.WriteString(fmt.Sprintf("fetchbox_http_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], count))
				}
			}
			sb.WriteString("\n")
		}

		if len(m.requestDuration) > 0 {
			sb.WriteString("# HELP fetchbox_http_request_duration_seconds HTTP request latency\n")
			sb.WriteString("# TYPE fetchbox_http_request_duration_seconds histogram\n")
			keys := make([]string, 0, len(m.requestDuration))
			for k := range m.requestDuration {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) != 2 {
					continue
				}
				h := m.requestDuration[key]
				h.mu.Lock()
				for i, bucket := range h.buckets {
					sb.WriteString(fmt.Sprintf("fetchbox_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"%g\"} %d\n", parts[0], parts[1], bucket, h.bucketVals[i]))
				}
				sb.WriteString(fmt.Sprintf("fetchbox_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n", parts[0], parts[1], h.count))
				sb.WriteString(fmt.Sprintf("fetchbox_http_request_duration_seconds_sum{endpoint=\"%s\",method=\"%s\"} %f\n", parts[0], parts[1], h.sum))
				sb.WriteString(fmt.Sprintf("fetchbox_http_request_duration_seconds_count{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], h.count))
				h.mu.Unlock()
			}
			sb.WriteString("\n")
		}

		if len(m.requestErrors) > 0 {
			sb.WriteString("# HELP fetchbox_http_errors_total Total HTTP errors by status class\n")
			sb.WriteString("# TYPE fetchbox_http_errors_total counter\n")
			for _, key := range sortedKeys(m.requestErrors) {
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					count := atomic.LoadUint64(m.requestErrors[key])
					sb.WriteString(fmt.Sprintf("fetchbox_http_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", parts[0], parts[1], parts[2][:1], count))
				}
			}
		}
		m.mu.RUnlock()

		w.Write([]byte(sb.String()))
	}
}

func sortedKeys(m map[string]*uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Middleware records request metrics for every handler it wraps.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

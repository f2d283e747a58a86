package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"incasso.org/internal/domain"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Collection metrics
var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_batches_total",
			Help: "Collection batches by final status.",
		},
		[]string{"status"},
	)

	issuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_validation_issues_total",
			Help: "Validation findings by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_claims_total",
			Help: "Invoice claim attempts by result.",
		},
		[]string{"result"},
	)

	usageRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_usage_records_total",
			Help: "Mandate usage records written by sequence type.",
		},
		[]string{"sequence_type"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_retries_total",
			Help: "Retries after transient conflicts by operation.",
		},
		[]string{"op"},
	)

	claimsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "incasso_claims_released_total",
		Help: "Invoice claims released by rejection or reaping.",
	})

	triggerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "incasso_trigger_runs_total",
			Help: "Schedule trigger invocations by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			batchesTotal, issuesTotal, claimsTotal, usageRecordsTotal,
			retriesTotal, claimsReleased, triggerRuns,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BatchFinished counts a batch reaching a terminal status.
func BatchFinished(status domain.BatchStatus) {
	batchesTotal.WithLabelValues(string(status)).Inc()
}

// IssuesReported counts every finding of a report.
func IssuesReported(r domain.Report) {
	for _, is := range r.Fatal {
		issuesTotal.WithLabelValues(string(is.Kind), string(is.Severity)).Inc()
	}
	for _, is := range r.Advisory {
		issuesTotal.WithLabelValues(string(is.Kind), string(is.Severity)).Inc()
	}
}

// ClaimAttempted counts a claim result: claimed, taken, skipped or error.
func ClaimAttempted(result string) {
	claimsTotal.WithLabelValues(result).Inc()
}

// UsageRecorded counts a usage write.
func UsageRecorded(t domain.SequenceType) {
	usageRecordsTotal.WithLabelValues(string(t)).Inc()
}

// Retried counts a retry of op.
func Retried(op string) {
	retriesTotal.WithLabelValues(op).Inc()
}

// ClaimsReleased counts released claims.
func ClaimsReleased(n int) {
	if n > 0 {
		claimsReleased.Add(float64(n))
	}
}

// TriggerRun counts a trigger outcome.
func TriggerRun(outcome string) {
	triggerRuns.WithLabelValues(outcome).Inc()
}

// Instrument measures request count, latency, and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath folds resource ids out of a request path so metric labels
// stay bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "batches":
		return "/v1/batches/:id"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "mandates" && parts[3] == "revoke":
		return "/v1/mandates/:id/revoke"
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

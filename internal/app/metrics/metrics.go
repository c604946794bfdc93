package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "token_locker",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token_locker",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "token_locker",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	lockOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token_locker",
			Subsystem: "ledger",
			Name:      "locks_total",
			Help:      "Deposits applied to the ledger by kind (created or appended).",
		},
		[]string{"kind"},
	)

	withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "token_locker",
			Subsystem: "ledger",
			Name:      "withdrawals_total",
			Help:      "Withdrawal saga outcomes.",
		},
		[]string{"outcome"},
	)

	inflightTransfers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "token_locker",
			Subsystem: "ledger",
			Name:      "inflight_transfers",
			Help:      "Transfers debited from the ledger and awaiting a result.",
		},
	)

	settlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "token_locker",
			Subsystem: "ledger",
			Name:      "settlement_duration_seconds",
			Help:      "Time from dispatch to reconciliation of a transfer.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		lockOps,
		withdrawals,
		inflightTransfers,
		settlementDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLock counts a deposit that created or appended to a lock.
func RecordLock(created bool) {
	kind := "append"
	if created {
		kind = "created"
	}
	lockOps.WithLabelValues(kind).Inc()
}

// RecordWithdrawStarted counts a debited withdrawal and raises the in-flight gauge.
func RecordWithdrawStarted() {
	withdrawals.WithLabelValues("started").Inc()
	inflightTransfers.Inc()
}

// RecordWithdrawSettled records a reconciled transfer. outcome is one of
// succeeded, failed or lostfound.
func RecordWithdrawSettled(outcome string, age time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	withdrawals.WithLabelValues(outcome).Inc()
	inflightTransfers.Dec()
	if age > 0 {
		settlementDuration.Observe(age.Seconds())
	}
}

// SetInflightTransfers resets the gauge, used after loading state on start.
func SetInflightTransfers(n int) {
	inflightTransfers.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the instrumentation.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// canonicalPath collapses ids out of request paths to keep label cardinality bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "v1" || len(parts) == 1 {
		return "/" + parts[0]
	}
	switch parts[1] {
	case "accounts":
		if len(parts) == 2 {
			return "/v1/accounts"
		}
		return "/v1/accounts/:account"
	case "transfers":
		if len(parts) == 2 {
			return "/v1/transfers"
		}
		return "/v1/transfers/:transfer/result"
	default:
		return "/" + strings.Join(parts, "/")
	}
}

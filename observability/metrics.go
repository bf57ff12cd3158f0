package observability

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loanescrow"

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	loanMetricsOnce sync.Once
	loanRegistry    *LoanMetrics
)

// ModuleMetrics returns the lazily-initialised module metrics registry used to
// record RPC module activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by module and method.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by module, method, and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "throttles_total",
				Help:      "Count of requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a module request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied module and
// reason. Reasons should be stable strings such as "rate_limit" so dashboards
// and alerts remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// LoanMetrics tracks escrow instruction processing.
type LoanMetrics struct {
	instructions *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	releases     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// Loan returns the lazily-initialised escrow metrics registry.
func Loan() *LoanMetrics {
	loanMetricsOnce.Do(func() {
		loanRegistry = &LoanMetrics{
			instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "instructions_total",
				Help:      "Escrow instructions processed, by instruction and outcome.",
			}, []string{"instruction", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "rejections_total",
				Help:      "Rejected escrow instructions by exit code.",
			}, []string{"instruction", "exit_code"}),
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "collateral_releases_total",
				Help:      "Collateral releases by recipient role.",
			}, []string{"role"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "escrow",
				Name:      "apply_duration_seconds",
				Help:      "Time spent evaluating and committing an instruction.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			}, []string{"instruction"}),
		}
		prometheus.MustRegister(
			loanRegistry.instructions,
			loanRegistry.rejections,
			loanRegistry.releases,
			loanRegistry.latency,
		)
	})
	return loanRegistry
}

// ObserveInstruction records one processed instruction.
func (m *LoanMetrics) ObserveInstruction(instruction, outcome string, code uint32, elapsed time.Duration) {
	if m == nil {
		return
	}
	if instruction == "" {
		instruction = "unknown"
	}
	m.instructions.WithLabelValues(instruction, outcome).Inc()
	if code != 0 {
		m.rejections.WithLabelValues(instruction, strconv.FormatUint(uint64(code), 10)).Inc()
	}
	m.latency.WithLabelValues(instruction).Observe(elapsed.Seconds())
}

// ObserveRelease records a collateral release.
func (m *LoanMetrics) ObserveRelease(role string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(role).Inc()
}

// Package metrics re-namespaces the teacher's prometheus vocabulary
// (worker pickup latency, jobs in flight, reaper rescues) from an HTTP
// polling worker onto the engine's drain/fire/reap cycle.
package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kairos-sched/kairos/internal/health"
)

var (
	// Drainer metrics

	TriggerClaimLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "trigger_claim_latency_seconds",
		Help:      "Time from a trigger's planned nextRunAt to its lease being claimed.",
		Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	DrainCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "drain_cycle_duration_seconds",
		Help:      "Time taken for one drainer pass over due triggers.",
		Buckets:   prometheus.DefBuckets,
	})

	// Run lifecycle

	RunExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "run_execution_duration_seconds",
		Help:      "Duration of a job handler invocation.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"job", "status"})

	RunsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairos",
		Name:      "runs_in_flight",
		Help:      "Number of runs currently executing across all jobs.",
	})

	RunsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "runs_completed_total",
		Help:      "Total runs finished, by job and outcome.",
	}, []string{"job", "outcome"})

	RateLimiterWaitSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "rate_limiter_wait_seconds",
		Help:      "Time a run spent waiting on its job's rate limiter before admission.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})

	// Reaper metrics

	StalledRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "stalled_runs_total",
		Help:      "Total runs detected stalled by the reaper, by whether a retry was scheduled.",
	}, []string{"action"})

	ReapCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kairos",
		Name:      "reap_cycle_duration_seconds",
		Help:      "Time taken for one reaper pass.",
		Buckets:   prometheus.DefBuckets,
	})

	// Engine lifecycle

	EngineStartTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kairos",
		Name:      "engine_start_time_seconds",
		Help:      "Unix timestamp when the engine started.",
	})

	EngineShutdownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kairos",
		Name:      "engine_shutdowns_total",
		Help:      "Number of times the engine has shut down.",
	})
)

// Register registers every collector above against the default registry.
// cmd/schedulerd calls this once at startup.
func Register() {
	prometheus.MustRegister(
		TriggerClaimLatency,
		DrainCycleDuration,
		RunExecutionDuration,
		RunsInFlight,
		RunsCompletedTotal,
		RateLimiterWaitSeconds,
		StalledRunsTotal,
		ReapCycleDuration,
		EngineStartTime,
		EngineShutdownsTotal,
	)
}

// NewServer serves /metrics via promhttp plus /healthz and /readyz backed
// by checker, on one addr, the way the teacher bundles its metrics process
// with liveness/readiness rather than running a separate health port.
func NewServer(addr string, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness(r.Context()))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := checker.Readiness(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if result.Status != "up" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	})
	return &http.Server{Addr: addr, Handler: mux}
}

func writeHealth(w http.ResponseWriter, result health.HealthResult) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

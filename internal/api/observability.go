package api

import (
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics with bounded cardinality (no per-game or per-player labels).
var (
	// Turn engine metrics
	stepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_step_duration_seconds",
		Help:    "Time spent processing one command into a durable step",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	})

	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_steps_total",
		Help: "Step records produced by result status",
	}, []string{"status"}) // Bounded: the six result statuses

	activeGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_games",
		Help: "Game runtimes currently held by this process",
	})

	quarantinedGames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_quarantined_games_total",
		Help: "Games quarantined after an invariant violation",
	})

	skippedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_skipped_commands_total",
		Help: "Input records skipped without a step record",
	}, []string{"reason"}) // Bounded: "malformed", "unknown_game", "finished", "quarantined"

	// Ordered log metrics
	publishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_publish_retries_total",
		Help: "Transient transport failures retried with backoff",
	})

	// Timer coordinator metrics
	deadlinesArmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timer_deadlines_armed_total",
		Help: "Turn deadlines scheduled",
	})

	deadlinesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timer_deadlines_fired_total",
		Help: "Turn deadlines that expired and published a timeout command",
	})

	deadlinesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timer_deadlines_cancelled_total",
		Help: "Turn deadlines cancelled before expiry",
	})

	// HTTP metrics with bounded labels
	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"}) // endpoint is the route pattern, not the full URL

	requestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})
)

// ObservabilityConfig configures the debug server
type ObservabilityConfig struct {
	Enabled    bool
	ListenAddr string // MUST stay on localhost in production
}

// DefaultObservabilityConfig returns safe defaults
func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060", // Localhost only - NEVER expose externally
	}
}

// StartDebugServer starts the internal observability server
// CRITICAL: This MUST bind to localhost only to prevent pprof-based DoS
func StartDebugServer(cfg ObservabilityConfig) error {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return nil
	}

	// SECURITY: Validate address is localhost
	if cfg.ListenAddr != "127.0.0.1:6060" && cfg.ListenAddr != "localhost:6060" {
		if os.Getenv("ALLOW_DEBUG_EXTERNAL") != "true" {
			log.Println("⚠️ Debug server forced to localhost for security")
			cfg.ListenAddr = "127.0.0.1:6060"
		}
	}

	mux := http.NewServeMux()

	// pprof endpoints for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	go func() {
		log.Printf("📊 Debug server starting on %s", cfg.ListenAddr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", cfg.ListenAddr)
		log.Printf("   - metrics: http://%s/metrics", cfg.ListenAddr)

		if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()

	return nil
}

// RecordStep records one produced step record by result status.
func RecordStep(status string, duration time.Duration) {
	stepsTotal.WithLabelValues(status).Inc()
	stepDuration.Observe(duration.Seconds())
}

// SetActiveGames updates the runtime gauge.
func SetActiveGames(count int) {
	activeGames.Set(float64(count))
}

// RecordQuarantine increments the quarantine counter. This is the operator
// signal for a corrupted game.
func RecordQuarantine(gameID string, err error) {
	quarantinedGames.Inc()
	log.Printf("🚨 QUARANTINED game %s: %v", gameID, err)
}

// RecordSkippedCommand counts an input record dropped without a step.
// reason must be one of: "malformed", "unknown_game", "finished", "quarantined"
func RecordSkippedCommand(reason string) {
	skippedCommands.WithLabelValues(reason).Inc()
}

// RecordPublishRetry counts one transient transport retry.
func RecordPublishRetry() {
	publishRetries.Inc()
}

// RecordDeadlineArmed counts a scheduled turn deadline.
func RecordDeadlineArmed() {
	deadlinesArmed.Inc()
}

// RecordDeadlineFired counts an expired turn deadline.
func RecordDeadlineFired() {
	deadlinesFired.Inc()
}

// RecordDeadlineCancelled counts a cancelled turn deadline.
func RecordDeadlineCancelled() {
	deadlinesCancelled.Inc()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, endpoint string, status int, duration time.Duration) {
	requestLatency.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	requestTotal.WithLabelValues(method, endpoint, http.StatusText(status)).Inc()
}

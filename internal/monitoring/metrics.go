package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/immortal/internal/queue"
)

// Prometheus metrics, registered once at package init. All three binaries
// share this set; each only moves the series it owns.
var (
	// Frontend: connection lifecycle and ingress.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Currently open WebSocket connections",
	})

	UpgradesRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upgrades_rejected_total",
		Help: "HTTP upgrade attempts refused before the WebSocket handshake",
	}, []string{"reason"})

	FramesReceivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_received_total",
		Help: "Client frames read, labeled by protocol verb",
	}, []string{"verb"})

	FramesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_frames_sent_total",
		Help: "Server frames written to clients",
	})

	BytesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_received_total",
		Help: "Payload bytes read from clients",
	})

	BytesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bytes_sent_total",
		Help: "Payload bytes written to clients",
	})

	// Ingress queue.
	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_length",
		Help: "Messages buffered across all priority levels",
	})

	QueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_capacity",
		Help: "Configured queue capacity",
	})

	QueueUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_utilization",
		Help: "Queue length divided by capacity",
	})

	QueueState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_state",
		Help: "Load state: 0 healthy, 1 degraded, 2 overloaded, 3 critical",
	})

	QueueAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_queue_accepted_total",
		Help: "Messages admitted to the queue",
	})

	QueueDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_queue_dropped_total",
		Help: "Messages rejected at admission, labeled by reason",
	}, []string{"reason"})

	QueueCircuitOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_circuit_open",
		Help: "1 while the circuit breaker is open",
	})

	// Bridge: queue to Redis work list.
	BridgeBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_batches_total",
		Help: "Batches forwarded from the queue to the work list",
	})

	BridgeMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_messages_total",
		Help: "Messages forwarded from the queue to the work list",
	})

	BridgeFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bridge_failures_total",
		Help: "Batch pushes that failed and entered backoff",
	})

	WorkListDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_work_list_depth",
		Help: "Messages waiting in the Redis work list",
	})

	// Worker: protocol processing.
	WorkerFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_worker_frames_total",
		Help: "Frames processed by workers, labeled by protocol verb",
	}, []string{"verb"})

	EventsStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_stored_total",
		Help: "Events accepted and persisted",
	})

	EventsDuplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_events_duplicate_total",
		Help: "Events acknowledged as already stored",
	})

	EventsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_rejected_total",
		Help: "Events refused during validation, labeled by reason",
	}, []string{"reason"})

	BroadcastMatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_broadcast_matches_total",
		Help: "Subscription matches fanned out for stored events",
	})

	SubscriptionsOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_subscriptions_opened_total",
		Help: "Subscriptions registered",
	})

	SubscriptionsClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_subscriptions_closed_total",
		Help: "Subscriptions removed",
	})

	ResponseFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_frames_total",
		Help: "Frames pushed to per-connection response lists",
	})

	QueryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_query_duration_seconds",
		Help:    "Historical query latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// Process health.
	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_memory_usage_bytes",
		Help: "Resident memory as seen by the resource guard",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_cpu_usage_percent",
		Help: "CPU utilization as seen by the resource guard",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_goroutines_active",
		Help: "Current goroutine count",
	})

	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_errors_total",
		Help: "Errors by type and severity",
	}, []string{"type", "severity"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		UpgradesRejectedTotal,
		FramesReceivedTotal,
		FramesSentTotal,
		BytesReceivedTotal,
		BytesSentTotal,
		QueueLength,
		QueueCapacity,
		QueueUtilization,
		QueueState,
		QueueAcceptedTotal,
		QueueDroppedTotal,
		QueueCircuitOpen,
		BridgeBatchesTotal,
		BridgeMessagesTotal,
		BridgeFailuresTotal,
		WorkListDepth,
		WorkerFramesTotal,
		EventsStoredTotal,
		EventsDuplicateTotal,
		EventsRejectedTotal,
		BroadcastMatchesTotal,
		SubscriptionsOpenedTotal,
		SubscriptionsClosedTotal,
		ResponseFramesTotal,
		QueryDuration,
		MemoryUsageBytes,
		CPUUsagePercent,
		GoroutinesActive,
		ErrorsTotal,
	)
}

// VerbLabel folds client-chosen verbs onto a fixed label set so frame
// counters cannot grow a series per invented verb.
func VerbLabel(verb string) string {
	switch verb {
	case "EVENT", "REQ", "CLOSE", "AUTH":
		return verb
	default:
		return "other"
	}
}

// ObserveQueue pushes a queue snapshot into the gauges. The frontend calls
// it on a ticker; counters are advanced at the push/pop sites instead so
// they survive snapshot gaps.
func ObserveQueue(s queue.Stats) {
	QueueLength.Set(float64(s.Length))
	QueueCapacity.Set(float64(s.Capacity))
	QueueUtilization.Set(s.Utilization)
	QueueState.Set(float64(s.State))
	if s.CircuitOpen {
		QueueCircuitOpen.Set(1)
	} else {
		QueueCircuitOpen.Set(0)
	}
}

// ObserveRuntime samples cheap process-level gauges.
func ObserveRuntime() {
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// StartMetricsServer exposes /metrics on its own listener and returns the
// server so the caller can Shutdown it. Serving errors other than a clean
// close are logged, not fatal.
func StartMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		defer RecoverPanic(logger, "metricsServer", nil)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()

	return srv
}

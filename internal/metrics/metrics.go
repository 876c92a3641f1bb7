package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_sessions_active",
		Help: "Currently registered conversation sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_total",
		Help: "Sessions started",
	})

	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_sessions_rejected_total",
		Help: "Session starts refused by the concurrency ceiling",
	})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_sessions_ended_total",
		Help: "Sessions ended by reason",
	}, []string{"reason"})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_turns_total",
		Help: "Finished turns by outcome",
	}, []string{"outcome"})

	TurnProcessing = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_turn_first_fragment_seconds",
		Help:    "Delay from end of user speech to the first agent fragment",
		Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_queue_latency_seconds",
		Help:    "Time a chunk spent queued in the pipeline",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0},
	}, []string{"direction"})

	ChunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_chunks_dropped_total",
		Help: "Chunks evicted by buffer overflow",
	}, []string{"direction"})

	ChunksPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_chunks_purged_total",
		Help: "Outbound chunks discarded by barge-in",
	})

	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_alert_transitions_total",
		Help: "Quality alert state changes by target state",
	}, []string{"state"})

	SampledP95 = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_sampled_p95_latency_seconds",
		Help:    "Per-session p95 queue latency sampled by the session monitor",
		Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0},
	})

	BufferOccupancy = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_buffer_occupancy_chunks",
		Help:    "Queued chunks per session sampled by the session monitor",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"direction"})

	Interruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_interruptions_total",
		Help: "Agent responses cut off by barge-in",
	})

	StaleCancellations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flow_stale_cancellations_total",
		Help: "Agent cancellations not acknowledged within the timeout",
	})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_reconnects_total",
		Help: "Audio channel reconnection attempts by result",
	}, []string{"result"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_errors_total",
		Help: "Error counts by component and code",
	}, []string{"component", "code"})
)

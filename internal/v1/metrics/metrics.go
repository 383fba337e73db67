package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the slopeline realtime core.
//
// Naming convention: namespace_subsystem_name
// - namespace: slopeline (application-level grouping)
// - subsystem: websocket, location, chat, persister, queue, hotstore, bus, ratelimit
// - name: specific metric (connections_active, pings_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, buffer depth, breaker state)
// - Counter: Cumulative events (pings, messages, flushes)
// - Histogram: Latency distributions (frame handling, flush time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slopeline",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ConnectionOutcomes counts handshake results by status
	// (accepted, rejected_auth, rejected_origin, rejected_limit)
	ConnectionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "websocket",
		Name:      "connections_total",
		Help:      "Total WebSocket handshake outcomes",
	}, []string{"status"})

	// WebsocketEvents tracks the total number of WebSocket frames processed
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent handling inbound frames
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "slopeline",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// DroppedFrames counts outbound frames dropped on full client buffers
	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "websocket",
		Name:      "frames_dropped_total",
		Help:      "Outbound frames dropped because a client buffer was full",
	}, []string{"channel"})

	// Pings counts location pings by result (accepted, throttled, invalid, hot_error)
	Pings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "location",
		Name:      "pings_total",
		Help:      "Total location pings by result",
	}, []string{"result"})

	// ProximityAlerts counts proximity frames delivered to pingers
	ProximityAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "location",
		Name:      "proximity_alerts_total",
		Help:      "Total proximity alerts delivered",
	})

	// FanoutUpdates counts location:update frames produced by the fan-out
	FanoutUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "location",
		Name:      "fanout_updates_total",
		Help:      "Total location updates fanned out to friends",
	})

	// Sessions counts session lifecycle operations by kind (started, ended, autoclosed)
	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "location",
		Name:      "sessions_total",
		Help:      "Total session lifecycle operations",
	}, []string{"kind"})

	// PresenceWrites counts presence refreshes written on accepted pings
	PresenceWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "location",
		Name:      "presence_writes_total",
		Help:      "Total presence refreshes written to the hot store",
	})

	// ChatMessages counts messages accepted by chat:send
	ChatMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "chat",
		Name:      "messages_total",
		Help:      "Total chat messages accepted",
	})

	// HistoryLookups counts chat:history calls by cache result (hit, miss, empty)
	HistoryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "chat",
		Name:      "history_lookups_total",
		Help:      "Total chat history lookups by cache result",
	}, []string{"result"})

	// TypingEvents counts typing flag changes
	TypingEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "chat",
		Name:      "typing_events_total",
		Help:      "Total typing indicator changes processed",
	})

	// ReadReceipts counts chat:read operations
	ReadReceipts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "chat",
		Name:      "read_receipts_total",
		Help:      "Total read receipts processed",
	})

	// SubscribedRooms is the number of backplane room subscriptions held
	SubscribedRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slopeline",
		Subsystem: "bus",
		Name:      "room_subscriptions_active",
		Help:      "Current number of backplane room subscriptions on this node",
	})

	// BusMessages counts backplane traffic by direction and channel kind
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "bus",
		Name:      "messages_total",
		Help:      "Total backplane messages by direction and channel kind",
	}, []string{"direction", "kind"})

	// BusDropped counts publishes dropped while the breaker is open
	BusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Backplane publishes dropped during hot store degradation",
	})

	// PersistedPings counts pings durably written by the persister
	PersistedPings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "persister",
		Name:      "pings_persisted_total",
		Help:      "Total location pings durably written",
	})

	// BatchFlushes counts persister flushes by status (ok, error)
	BatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "persister",
		Name:      "flushes_total",
		Help:      "Total persister batch flushes by status",
	}, []string{"status"})

	// FlushDuration tracks the time spent flushing ping batches
	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slopeline",
		Subsystem: "persister",
		Name:      "flush_seconds",
		Help:      "Time spent flushing ping batches to the warm store",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// BufferDepth is the current persister buffer length
	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slopeline",
		Subsystem: "persister",
		Name:      "buffer_depth",
		Help:      "Current number of pings waiting in the persister buffer",
	})

	// QueueTasks counts background task executions by task type and status (ok, error)
	QueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "queue",
		Name:      "tasks_total",
		Help:      "Total background task executions by task type and status",
	}, []string{"task", "status"})

	// HotOperations counts hot store calls by operation and status (ok, error, open)
	HotOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "hotstore",
		Name:      "operations_total",
		Help:      "Total hot store operations by status",
	}, []string{"operation", "status"})

	// CircuitBreakerState reports the hot store breaker state (0 closed, 1 half-open, 2 open)
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slopeline",
		Subsystem: "hotstore",
		Name:      "circuit_breaker_state",
		Help:      "Hot store circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// RateLimitChecks counts limiter decisions by scope and outcome
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slopeline",
		Subsystem: "ratelimit",
		Name:      "checks_total",
		Help:      "Total rate limit checks by scope and outcome",
	}, []string{"scope", "outcome"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}

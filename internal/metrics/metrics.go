package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsConsumed tracks inbound events per topic and outcome
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_events_consumed_total",
			Help: "Total number of inbound events consumed",
		},
		[]string{"topic", "outcome"},
	)

	// IntakeRetries tracks guard-level retry attempts per topic
	IntakeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_intake_retries_total",
			Help: "Total number of intake processing retries",
		},
		[]string{"topic"},
	)

	// DeadLetterPublished tracks messages routed to the dead-letter topic
	DeadLetterPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_dead_letter_published_total",
			Help: "Total number of messages published to dead-letter topics",
		},
		[]string{"topic"},
	)

	// ExceptionsCreated tracks interface exceptions recorded per type
	ExceptionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_exceptions_created_total",
			Help: "Total number of interface exceptions recorded",
		},
		[]string{"interface_type", "severity"},
	)

	// RetryAttempts tracks retry executions per interface type and outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_retry_attempts_total",
			Help: "Total number of retry attempt executions",
		},
		[]string{"interface_type", "outcome"},
	)

	// RetryDuration tracks end-to-end retry execution time
	RetryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collector_retry_duration_seconds",
			Help:    "Retry execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"interface_type", "outcome"},
	)

	// SourceConnectionState reports the connection manager state
	// (0=disconnected, 1=connecting, 2=connected, 3=fallback)
	SourceConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_source_connection_state",
			Help: "Source service connection state",
		},
	)

	// SourceReconnects tracks reconnection attempts
	SourceReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_source_reconnects_total",
			Help: "Total number of source connection reconnect attempts",
		},
	)

	// BreakerTransitions tracks circuit breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	// ActivePermits reports currently held operation permits
	ActivePermits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collector_active_permits",
			Help: "Number of operation permits currently held",
		},
	)

	// PermitRejections tracks admission failures per scope
	PermitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_permit_rejections_total",
			Help: "Total number of rejected permit acquisitions",
		},
		[]string{"scope"},
	)

	// ValidationCache tracks cache hits and misses per check
	ValidationCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collector_validation_cache_total",
			Help: "Validation cache lookups",
		},
		[]string{"check", "result"},
	)
)

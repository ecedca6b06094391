package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_connections_total",
			Help: "Total number of connections admitted",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postern_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_connections_rejected_total",
			Help: "Connections closed at admission because a limit was reached",
		},
		[]string{"protocol", "reason"},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postern_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postern_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"protocol"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)
)

// Protocol command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postern_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"protocol", "command"},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_smtp_messages_total",
			Help: "Messages accepted or rejected at SMTP DATA",
		},
		[]string{"result"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postern_smtp_message_size_bytes",
			Help:    "Size of messages accepted over SMTP",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
		},
	)

	POP3Deletions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_pop3_deletions_total",
			Help: "Messages deleted at POP3 QUIT",
		},
		[]string{"result"},
	)
)

// Supervisor metrics
var (
	ServerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_server_restarts_total",
			Help: "Protocol server restarts performed by the manager",
		},
		[]string{"protocol", "reason"},
	)

	ServerRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postern_server_running",
			Help: "1 when the protocol server is accepting connections",
		},
		[]string{"protocol"},
	)
)

// Store metrics
var (
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_store_operations_total",
			Help: "Mail store operations",
		},
		[]string{"operation", "status"},
	)

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postern_store_operation_duration_seconds",
			Help:    "Duration of mail store operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)
)

// Storage metrics
var (
	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postern_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"operation"},
	)

	StorageOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_storage_operation_errors_total",
			Help: "S3 operation errors by type",
		},
		[]string{"operation", "error_type"},
	)
)

// Health metrics
var (
	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postern_component_health_status",
			Help: "Component health: 0=unhealthy, 1=degraded, 2=healthy",
		},
		[]string{"component", "hostname"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postern_health_check_duration_seconds",
			Help:    "Duration of health checks in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)

// Authentication cache metrics
var (
	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postern_auth_cache_lookups_total",
			Help: "Authentication cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	AuthCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postern_auth_cache_entries",
			Help: "Entries currently held by the authentication cache",
		},
	)
)

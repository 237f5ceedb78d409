package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Chain RPC Metrics
	chainRPCCallsTotal   *prometheus.CounterVec
	chainRPCCallDuration *prometheus.HistogramVec

	// Execution Metrics
	operationsSubmittedTotal *prometheus.CounterVec
	operationRetriesTotal    *prometheus.CounterVec
	transactionsResolved     *prometheus.CounterVec
	confirmationDuration     *prometheus.HistogramVec
	queueDepth               prometheus.Gauge
	strategyExecutionsTotal  *prometheus.CounterVec
	strategyDuration         *prometheus.HistogramVec

	// Rebalance Metrics
	driftAnalysesTotal      *prometheus.CounterVec
	rebalanceWorkflowsTotal *prometheus.CounterVec
	rebalanceActivityTime   *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		chainRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_calls_total",
				Help: "Total number of chain RPC calls by chain, method and status",
			},
			[]string{"chain", "method", "status"},
		),
		chainRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_call_duration_seconds",
				Help:    "Duration of chain RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"chain", "method"},
		),

		operationsSubmittedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operations_submitted_total",
				Help: "Total number of operations signed and submitted",
			},
			[]string{"protocol", "action"},
		),
		operationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "operation_retries_total",
				Help: "Total number of submission retries scheduled",
			},
			[]string{"protocol", "action"},
		),
		transactionsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_resolved_total",
				Help: "Total number of transactions reaching a terminal status",
			},
			[]string{"status"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_confirmation_duration_seconds",
				Help:    "Time from submission to terminal status in seconds",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"status"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "execution_queue_depth",
				Help: "Number of operations waiting in the execution queue",
			},
		),
		strategyExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_executions_total",
				Help: "Total number of strategy executions by outcome",
			},
			[]string{"outcome"},
		),
		strategyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strategy_duration_seconds",
				Help:    "Duration of strategy executions in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),

		driftAnalysesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "drift_analyses_total",
				Help: "Total number of drift analyses by decision",
			},
			[]string{"rebalance_needed"},
		),
		rebalanceWorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_workflow_executions_total",
				Help: "Total number of rebalance check workflow executions",
			},
			[]string{"wallet_address", "status"},
		),
		rebalanceActivityTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebalance_activity_duration_seconds",
				Help:    "Duration of rebalance workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "wallet_address"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"wallet_address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"wallet_address", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Chain RPC metric helpers

// RecordRPCCall records a chain RPC call with duration.
func (m *Metrics) RecordRPCCall(chain, method, status string, duration float64) {
	m.chainRPCCallsTotal.WithLabelValues(chain, method, status).Inc()
	m.chainRPCCallDuration.WithLabelValues(chain, method).Observe(duration)
}

// Execution metric helpers

// RecordOperationSubmitted records a successful sign-and-submit.
func (m *Metrics) RecordOperationSubmitted(protocol, action string) {
	m.operationsSubmittedTotal.WithLabelValues(protocol, action).Inc()
}

// RecordOperationRetry records a submission retry being scheduled.
func (m *Metrics) RecordOperationRetry(protocol, action string) {
	m.operationRetriesTotal.WithLabelValues(protocol, action).Inc()
}

// RecordTransactionResolved records a transaction reaching a terminal status.
// A zero duration means the transaction was never submitted.
func (m *Metrics) RecordTransactionResolved(status string, duration float64) {
	m.transactionsResolved.WithLabelValues(status).Inc()
	if duration > 0 {
		m.confirmationDuration.WithLabelValues(status).Observe(duration)
	}
}

// SetQueueDepth records the current execution queue length.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// RecordStrategyExecution records a completed strategy run.
func (m *Metrics) RecordStrategyExecution(outcome string, duration float64) {
	m.strategyExecutionsTotal.WithLabelValues(outcome).Inc()
	m.strategyDuration.WithLabelValues(outcome).Observe(duration)
}

// Rebalance metric helpers

// RecordDriftAnalysis records the decision of a drift analysis.
func (m *Metrics) RecordDriftAnalysis(rebalanceNeeded bool) {
	label := "false"
	if rebalanceNeeded {
		label = "true"
	}
	m.driftAnalysesTotal.WithLabelValues(label).Inc()
}

// RecordWorkflowExecution records a rebalance check workflow outcome.
func (m *Metrics) RecordWorkflowExecution(walletAddress, status string) {
	m.rebalanceWorkflowsTotal.WithLabelValues(walletAddress, status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, walletAddress string, duration float64) {
	m.rebalanceActivityTime.WithLabelValues(activity, walletAddress).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(walletAddress string, delta float64) {
	m.sseActiveConnections.WithLabelValues(walletAddress).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(walletAddress, eventType string) {
	m.sseEventsSent.WithLabelValues(walletAddress, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

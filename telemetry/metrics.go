package telemetry

// Histogram bucket definitions
var (
	// PropagationBuckets for store-to-publish propagation latency
	PropagationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// StoreOpBuckets for store read/CAS latencies
	StoreOpBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
)

// Configuration manager metrics
var (
	// ConfigReceived counts configs received from the store or init path
	ConfigReceived Counter = NoopStat{}

	// ConfigPublished counts configs fully published to all workers
	ConfigPublished Counter = NoopStat{}

	// UpdatesRequested counts proposed update batches
	UpdatesRequested Counter = NoopStat{}

	// OverwritesRequested counts tooling overwrite requests
	OverwritesRequested Counter = NoopStat{}

	// SerializationErrors counts blobs that failed header extraction or decode
	SerializationErrors Counter = NoopStat{}

	// StagedVersion is the version currently staged in the pipeline
	StagedVersion Gauge = NoopStat{}

	// PendingVersion is the version currently fanning out to workers
	PendingVersion Gauge = NoopStat{}

	// PublishedVersion is the last fully-published version
	PublishedVersion Gauge = NoopStat{}

	// ManagerStarted is 1 once the manager's init request has run
	ManagerStarted Gauge = NoopStat{}

	// AdvanceShardStatesFailures counts failed intermediary-state advancement proposals
	AdvanceShardStatesFailures Counter = NoopStat{}

	// PropagationLatencySeconds measures store-receipt to local-publish latency
	PropagationLatencySeconds Histogram = NoopStat{}
)

// Store metrics
var (
	// StoreReadsTotal counts store reads by result (ok, error)
	StoreReadsTotal CounterVec = noopCounterVec{}

	// StoreCASTotal counts CAS writes by result (ok, mismatch, error)
	StoreCASTotal CounterVec = noopCounterVec{}

	// StoreOpSeconds measures store read and CAS latency in one unlabeled histogram
	StoreOpSeconds Histogram = NoopStat{}
)

// Publisher metrics
var (
	// PublisherEventsTotal counts config-change events by sink and result
	PublisherEventsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ConfigReceived = NewCounter(
		"config_received_total",
		"Configs received from the store or init path",
	)
	ConfigPublished = NewCounter(
		"config_published_total",
		"Configs fully published to all workers",
	)
	UpdatesRequested = NewCounter(
		"updates_requested_total",
		"Proposed update batches",
	)
	OverwritesRequested = NewCounter(
		"overwrites_requested_total",
		"Tooling overwrite requests",
	)
	SerializationErrors = NewCounter(
		"serialization_errors_total",
		"Blobs that failed header extraction or decode",
	)
	StagedVersion = NewGauge(
		"staged_version",
		"Version currently staged in the pipeline",
	)
	PendingVersion = NewGauge(
		"pending_version",
		"Version currently fanning out to workers",
	)
	PublishedVersion = NewGauge(
		"published_version",
		"Last fully-published version",
	)
	ManagerStarted = NewGauge(
		"started",
		"1 once the manager's init request has run",
	)
	AdvanceShardStatesFailures = NewCounter(
		"advance_shard_states_failures_total",
		"Failed intermediary-state advancement proposals",
	)
	PropagationLatencySeconds = NewHistogram(
		"propagation_latency_seconds",
		"Store-receipt to local-publish latency",
		PropagationBuckets,
	)

	StoreReadsTotal = NewCounterVec(
		"store_reads_total",
		"Store reads by result",
		[]string{"result"},
	)
	StoreCASTotal = NewCounterVec(
		"store_cas_total",
		"Store CAS writes by result",
		[]string{"result"},
	)
	StoreOpSeconds = NewHistogram(
		"store_op_seconds",
		"Store operation latency",
		StoreOpBuckets,
	)

	PublisherEventsTotal = NewCounterVec(
		"publisher_events_total",
		"Config-change events by sink and result",
		[]string{"sink", "result"},
	)
}

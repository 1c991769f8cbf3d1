package telemetry

// ReduceBuckets covers in-process reducers, from trivial maps to large scans
var ReduceBuckets = []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// Storage engine metrics
var (
	// CommitsTotal counts finished transactions by outcome (commit, rollback)
	CommitsTotal CounterVec = noopCounterVec{}
)

// Observation metrics
var (
	// ObservationEventsTotal counts change events seen by observers by result (relevant, ignored)
	ObservationEventsTotal CounterVec = noopCounterVec{}

	// ObservationFetchesTotal counts snapshot fetches by strategy (writer, snapshot)
	ObservationFetchesTotal CounterVec = noopCounterVec{}

	// ObservationDeliveriesTotal counts notifications by kind (value, error, suppressed)
	ObservationDeliveriesTotal CounterVec = noopCounterVec{}

	// ObservationReduceSeconds measures reducer latency on the reduce queue
	ObservationReduceSeconds Histogram = NoopStat{}

	// ObservationErrorsDroppedTotal counts errors discarded because no error handler was registered
	ObservationErrorsDroppedTotal Counter = NoopStat{}

	// ObservationBacklog tracks queued reduce tasks per observation
	ObservationBacklog GaugeVec = noopGaugeVec{}

	// ObservationsActive tracks running observations
	ObservationsActive Gauge = NoopStat{}
)

// Publisher metrics
var (
	// PublishTotal counts sink publish attempts by result (success, retry, failed)
	PublishTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	CommitsTotal = NewCounterVec(
		"db_commits_total",
		"Finished write transactions by outcome",
		[]string{"outcome"},
	)

	ObservationEventsTotal = NewCounterVec(
		"observation_events_total",
		"Change events tested against observation regions",
		[]string{"result"},
	)
	ObservationFetchesTotal = NewCounterVec(
		"observation_fetches_total",
		"Snapshot fetches triggered by relevant commits",
		[]string{"strategy"},
	)
	ObservationDeliveriesTotal = NewCounterVec(
		"observation_deliveries_total",
		"Observation notifications by kind",
		[]string{"kind"},
	)
	ObservationReduceSeconds = NewHistogramWithBuckets(
		"observation_reduce_seconds",
		"Reducer duration in seconds",
		ReduceBuckets,
	)
	ObservationErrorsDroppedTotal = NewCounter(
		"observation_errors_dropped_total",
		"Observation errors discarded because no error handler was registered",
	)
	ObservationBacklog = NewGaugeVec(
		"observation_backlog",
		"Reduce tasks waiting in an observation queue",
		[]string{"observation"},
	)
	ObservationsActive = NewGauge(
		"observations_active",
		"Number of running observations",
	)

	PublishTotal = NewCounterVec(
		"publish_total",
		"Sink publish attempts by result",
		[]string{"result"},
	)
}

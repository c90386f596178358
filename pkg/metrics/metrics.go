package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamEntriesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_entries_appended_total",
			Help: "Total number of entries appended to streams (count)",
		},
		[]string{"stream", "status"},
	)

	StreamEntriesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_entries_read_total",
			Help: "Total number of entries read from streams (count)",
		},
		[]string{"stream"},
	)

	StreamEntriesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_entries_rejected_total",
			Help: "Total number of entries that could not be decoded (count)",
		},
		[]string{"stream"},
	)

	StreamCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stream_command_duration_ms",
			Help:    "Duration of stream store commands in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"operation", "status"},
	)

	WatchedStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_watcher_streams",
			Help: "Number of streams currently registered with the watcher (count)",
		},
	)

	TrackerPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "correlation_pending",
			Help: "Number of pending correlation entries, placeholders included (count)",
		},
	)

	TrackerSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "correlation_settled_total",
			Help: "Total number of settled correlation entries (count)",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_ms",
			Help:    "Round trip duration of dispatched requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"type", "status"},
	)

	ConsumerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_messages_total",
			Help: "Total number of messages processed by consumers (count)",
		},
		[]string{"type", "status"},
	)

	ConsumerProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consumer_processing_duration_ms",
			Help:    "Handler processing duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"type"},
	)

	GroupMembersAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "group_members_allocated",
			Help: "Highest member id allocated for a consumer group (count)",
		},
		[]string{"group"},
	)

	GroupMembersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "group_members_running",
			Help: "Number of group members currently listening in this process (count)",
		},
		[]string{"group"},
	)

	GroupEntriesReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_entries_reclaimed_total",
			Help: "Total number of stale pending entries claimed for reprocessing (count)",
		},
		[]string{"group"},
	)

	GroupMembersRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "group_members_removed_total",
			Help: "Total number of idle members removed by the janitor (count)",
		},
		[]string{"group"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of retry attempts (count)",
		},
		[]string{"service", "topic"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to DLQ (count)",
		},
		[]string{"service", "topic", "reason"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	KafkaMessagesReadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_read_total",
			Help: "Total number of messages read from Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessagesWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_written_total",
			Help: "Total number of messages written to Kafka (count)",
		},
		[]string{"service", "topic"},
	)

	KafkaMessageSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_message_size_bytes",
			Help:    "Size of Kafka messages in bytes",
			Buckets: []float64{100, 500, 1000, 5000, 10000, 50000, 100000, 500000},
		},
		[]string{"service", "topic", "direction"},
	)

	KafkaReadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_read_duration_ms",
			Help:    "Duration of reading messages from Kafka in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"service", "topic"},
	)
)

func RegisterStreamMetrics() {
	prometheus.MustRegister(StreamEntriesAppendedTotal)
	prometheus.MustRegister(StreamEntriesReadTotal)
	prometheus.MustRegister(StreamEntriesRejectedTotal)
	prometheus.MustRegister(StreamCommandDuration)
	prometheus.MustRegister(WatchedStreams)
}

func RegisterCorrelationMetrics() {
	prometheus.MustRegister(TrackerPending)
	prometheus.MustRegister(TrackerSettledTotal)
	prometheus.MustRegister(DispatchDuration)
}

func RegisterConsumerMetrics() {
	prometheus.MustRegister(ConsumerMessagesTotal)
	prometheus.MustRegister(ConsumerProcessingDuration)
}

func RegisterGroupMetrics() {
	prometheus.MustRegister(GroupMembersAllocated)
	prometheus.MustRegister(GroupMembersRunning)
	prometheus.MustRegister(GroupEntriesReclaimedTotal)
	prometheus.MustRegister(GroupMembersRemovedTotal)
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(KafkaMessagesReadTotal)
	prometheus.MustRegister(KafkaMessagesWrittenTotal)
	prometheus.MustRegister(KafkaMessageSizeBytes)
	prometheus.MustRegister(KafkaReadDuration)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterAPIMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
}

func IncStreamAppended(stream, status string) {
	StreamEntriesAppendedTotal.WithLabelValues(stream, status).Inc()
}

func AddStreamRead(stream string, n int) {
	if n > 0 {
		StreamEntriesReadTotal.WithLabelValues(stream).Add(float64(n))
	}
}

func IncStreamRejected(stream string) {
	StreamEntriesRejectedTotal.WithLabelValues(stream).Inc()
}

func ObserveStreamCommand(operation, status string, duration time.Duration) {
	StreamCommandDuration.WithLabelValues(operation, status).Observe(float64(duration.Milliseconds()))
}

func SetWatchedStreams(n int) {
	WatchedStreams.Set(float64(n))
}

func SetTrackerPending(n int) {
	TrackerPending.Set(float64(n))
}

func IncTrackerSettled(outcome string) {
	TrackerSettledTotal.WithLabelValues(outcome).Inc()
}

func ObserveDispatch(msgType, status string, duration time.Duration) {
	DispatchDuration.WithLabelValues(msgType, status).Observe(float64(duration.Milliseconds()))
}

func IncConsumerMessage(msgType, status string) {
	ConsumerMessagesTotal.WithLabelValues(msgType, status).Inc()
}

func ObserveConsumerProcessing(msgType string, duration time.Duration) {
	ConsumerProcessingDuration.WithLabelValues(msgType).Observe(float64(duration.Milliseconds()))
}

func SetGroupMembersAllocated(group string, n int64) {
	GroupMembersAllocated.WithLabelValues(group).Set(float64(n))
}

func IncGroupMembersRunning(group string) {
	GroupMembersRunning.WithLabelValues(group).Inc()
}

func DecGroupMembersRunning(group string) {
	GroupMembersRunning.WithLabelValues(group).Dec()
}

func AddGroupReclaimed(group string, n int) {
	if n > 0 {
		GroupEntriesReclaimedTotal.WithLabelValues(group).Add(float64(n))
	}
}

func IncGroupMembersRemoved(group string) {
	GroupMembersRemovedTotal.WithLabelValues(group).Inc()
}

func IncRetryAttempt(service, topic string) {
	RetryAttemptsTotal.WithLabelValues(service, topic).Inc()
}

func IncDLQMessage(service, topic, reason string) {
	DLQMessagesTotal.WithLabelValues(service, topic, reason).Inc()
}

func IncKafkaMessagesRead(service, topic string) {
	KafkaMessagesReadTotal.WithLabelValues(service, topic).Inc()
}

func IncKafkaMessagesWritten(service, topic string) {
	KafkaMessagesWrittenTotal.WithLabelValues(service, topic).Inc()
}

func ObserveKafkaMessageSize(service, topic, direction string, sizeBytes int) {
	KafkaMessageSizeBytes.WithLabelValues(service, topic, direction).Observe(float64(sizeBytes))
}

func ObserveKafkaReadDuration(service, topic string, duration time.Duration) {
	KafkaReadDuration.WithLabelValues(service, topic).Observe(float64(duration.Milliseconds()))
}

package constants

import "time"

const (
	DefaultTopicName   = "DEFAULT"
	StreamKeySeparator = "::"
	ShardSeparator     = "#"
	ConsumerIncoming   = "CONSUMER_INCOMING"
	ProducerOutgoing   = "PRODUCER_OUTGOING"
	MemberCounterKey   = "MEMBERS"
)

const (
	ModeRealtime = "REALTIME"
	ModeOrdered  = "ORDERED"
)

const (
	DefaultBatchSize          = 10
	DefaultBlockTimeout       = 5 * time.Second
	DefaultCorrelationTimeout = 3 * time.Second
	DefaultReclaimInterval    = 10 * time.Second
	DefaultJanitorInterval    = 30 * time.Second
)

const (
	// Message types reserved by the dispatcher for replies.
	MessageTypeResponse = "resp"
	MessageTypeError    = "error"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	DefaultDLQReason = "append_failed"
)

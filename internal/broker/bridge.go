package broker

import (
	"context"

	"conduit/internal/logger"
	"conduit/internal/stream"
	"conduit/pkg/models"
	"conduit/pkg/tracing"
)

// ShardHeader routes a bridged envelope to a shard of the target topic.
const ShardHeader = "conduit-shard"

// Bridge appends every envelope consumed from Kafka to the consumer stream
// of its target topic.
type Bridge struct {
	source     Consumer
	sourceName string
	channel    stream.Channel
	topic      models.Topic
	logger     logger.Logger
}

func NewBridge(source Consumer, sourceTopic string, channel stream.Channel, topic models.Topic, log logger.Logger) *Bridge {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Bridge{
		source:     source,
		sourceName: sourceTopic,
		channel:    channel,
		topic:      topic,
		logger:     log.Named("bridge").With("source_topic", sourceTopic, "target", topic.String()),
	}
}

func (b *Bridge) Run(ctx context.Context) error {
	b.logger.InfowCtx(ctx, "Bridge started")
	return b.source.Consume(ctx, b.sourceName, b.Forward)
}

// Forward appends env to the target stream. Transport failures are
// returned for the caller's retry policy.
func (b *Bridge) Forward(ctx context.Context, env models.Envelope) error {
	target := b.topic
	if shard := env.Header(ShardHeader); shard != "" {
		target = target.WithShard(shard)
	}

	env = tracing.InjectEnvelope(ctx, env)
	id, err := b.channel.Append(ctx, target.ConsumerKey(), env)
	if err != nil {
		return err
	}
	b.logger.DebugwCtx(ctx, "Forwarded message", "stream", target.ConsumerKey(), "entry_id", id, "type", env.Type)
	return nil
}

func (b *Bridge) Close() error {
	return b.source.Close()
}

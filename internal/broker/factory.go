package broker

import (
	"conduit/internal/config"
	"conduit/internal/logger"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
	"conduit/pkg/retry"
)

// NewKafkaBridge wires a Kafka consumer for cfg.InputTopic to topic.
func NewKafkaBridge(cfg config.KafkaConfig, policy retry.Policy, channel stream.Channel, topic models.Topic, log logger.Logger) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, apperrors.ErrValidation.WithDetail("field", "broker.kafka.brokers").WithDetail("message", "at least one broker is required")
	}
	if cfg.InputTopic == "" {
		return nil, apperrors.ErrValidation.WithDetail("field", "broker.kafka.input_topic").WithDetail("message", "input topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "conduit-bridge"
	}

	consumer := NewKafkaConsumer(cfg, policy, log)
	consumer.SetServiceName("conduit-bridge")
	return NewBridge(consumer, cfg.InputTopic, channel, topic, log), nil
}

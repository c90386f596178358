package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"conduit/internal/config"
	"conduit/internal/constants"
	"conduit/internal/logger"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/logging"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
	"conduit/pkg/retry"
	"conduit/pkg/tracing"
)

const (
	kafkaBatchTimeout = 10 * time.Millisecond
	kafkaWriteTimeout = 10 * time.Second
	fetchErrorBackoff = time.Second
)

var (
	_ Producer = (*KafkaProducer)(nil)
	_ Consumer = (*KafkaConsumer)(nil)
)

type KafkaProducer struct {
	writer      *kafka.Writer
	logger      logger.Logger
	serviceName string
}

func NewKafkaProducer(cfg config.KafkaConfig, log logger.Logger) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           kafkaBatchTimeout,
		WriteTimeout:           kafkaWriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, logger: log, serviceName: "conduit"}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, env models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return apperrors.ErrMalformedEnvelope.WithCause(err).WithDetail("message_id", env.ID)
	}
	return p.write(ctx, topic, []byte(env.ID), body, nil)
}

func (p *KafkaProducer) write(ctx context.Context, topic string, key, value []byte, headers []kafka.Header) error {
	headers = tracing.InjectKafkaHeaders(ctx, headers)

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to write kafka message: %w", err)
	}

	metrics.IncKafkaMessagesWritten(p.serviceName, topic)
	metrics.ObserveKafkaMessageSize(p.serviceName, topic, "out", len(value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads a Kafka topic as part of a consumer group and hands
// each decoded envelope to a handler. Messages are committed once handled,
// dead-lettered or given up on, so one bad message never blocks the
// partition.
type KafkaConsumer struct {
	cfg         config.KafkaConfig
	policy      retry.Policy
	reader      *kafka.Reader
	logger      logger.Logger
	dlqProducer *KafkaProducer
	serviceName string
}

func NewKafkaConsumer(cfg config.KafkaConfig, policy retry.Policy, log logger.Logger) *KafkaConsumer {
	consumer := &KafkaConsumer{
		cfg:         cfg,
		policy:      policy,
		logger:      log,
		serviceName: "conduit",
	}
	if cfg.DLQTopic != "" {
		consumer.dlqProducer = NewKafkaProducer(cfg, log)
	}
	return consumer
}

func (c *KafkaConsumer) SetServiceName(name string) {
	c.serviceName = name
	if c.dlqProducer != nil {
		c.dlqProducer.serviceName = name
	}
}

// Consume blocks until ctx is done and returns ctx.Err().
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	c.logger.Infow("Creating Kafka reader",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
		"service_name", c.serviceName,
	)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	consumeCtx := logging.WithServiceName(ctx, c.serviceName)
	c.logger.InfowCtx(consumeCtx, "Started consuming", "topic", topic)

	for {
		start := time.Now()
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(consumeCtx, "Stopped consuming",
					"topic", topic,
					"reason", "context canceled",
				)
				return ctx.Err()
			}
			c.logger.ErrorwCtx(consumeCtx, "Error fetching kafka message",
				"error", err,
				"topic", topic,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchErrorBackoff):
			}
			continue
		}

		metrics.IncKafkaMessagesRead(c.serviceName, topic)
		metrics.ObserveKafkaReadDuration(c.serviceName, topic, time.Since(start))
		metrics.ObserveKafkaMessageSize(c.serviceName, topic, "in", len(m.Value))

		c.handle(consumeCtx, topic, m, handler)

		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(consumeCtx, "Failed to commit message",
				"error", err,
				"topic", topic,
				"offset", m.Offset,
			)
		}
	}
}

func (c *KafkaConsumer) handle(ctx context.Context, topic string, m kafka.Message, handler HandlerFunc) {
	msgCtx, span := tracing.StartSpanFromKafkaMessage(ctx, "kafka.consume", m)
	defer span.End()

	env, err := decodeMessage(m)
	if err != nil {
		c.logger.ErrorwCtx(msgCtx, "Failed to decode message",
			"error", err,
			"topic", topic,
			"offset", m.Offset,
		)
		c.deadLetter(msgCtx, m, err, topic, "malformed")
		return
	}

	msgCtx = logging.WithMessageID(msgCtx, env.ID)
	if err := c.processWithRetry(msgCtx, env, handler, topic); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.ErrorwCtx(msgCtx, "Failed to process message after retries",
			"error", err,
			"topic", topic,
		)
		c.deadLetter(msgCtx, m, err, topic, constants.DefaultDLQReason)
	}
}

// decodeMessage parses a Kafka value as a JSON envelope. A missing id is
// malformed; a missing type is allowed.
func decodeMessage(m kafka.Message) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return models.Envelope{}, apperrors.ErrMalformedEnvelope.WithCause(err).WithDetail("offset", m.Offset)
	}
	if env.ID == "" {
		return models.Envelope{}, apperrors.ErrMalformedEnvelope.
			WithDetail("message", "messageId is missing").
			WithDetail("offset", m.Offset)
	}
	if env.Protocol == "" {
		env.Protocol = models.ProtocolJSON
	}
	return env, nil
}

func (c *KafkaConsumer) processWithRetry(ctx context.Context, env models.Envelope, handler HandlerFunc, topic string) error {
	return retry.RetryWithCallback(ctx, c.policy, func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = apperrors.RecoverPanic(r)
				c.logger.ErrorwCtx(ctx, "Panic recovered during message processing",
					"error", err,
					"topic", topic,
				)
			}
		}()
		return handler(ctx, env)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt(c.serviceName, topic)
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"next_delay", nextDelay,
			"error", err,
			"topic", topic,
		)
	})
}

func (c *KafkaConsumer) deadLetter(ctx context.Context, m kafka.Message, cause error, sourceTopic, reason string) {
	if c.dlqProducer == nil {
		c.logger.WarnwCtx(ctx, "No DLQ configured, committing message to avoid blocking", "topic", sourceTopic)
		return
	}

	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: "dlq_reason", Value: []byte(cause.Error())},
		kafka.Header{Key: "dlq_source_topic", Value: []byte(sourceTopic)},
		kafka.Header{Key: "dlq_timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))},
	)

	if err := c.dlqProducer.write(ctx, c.cfg.DLQTopic, m.Key, m.Value, headers); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ",
			"error", err,
			"topic", sourceTopic,
		)
		return
	}

	metrics.IncDLQMessage(c.serviceName, sourceTopic, reason)
	c.logger.InfowCtx(ctx, "Message sent to DLQ",
		"source_topic", sourceTopic,
		"dlq_topic", c.cfg.DLQTopic,
		"reason", cause.Error(),
	)
}

func (c *KafkaConsumer) Close() error {
	var err error
	if c.reader != nil {
		err = c.reader.Close()
	}
	if c.dlqProducer != nil {
		if closeErr := c.dlqProducer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

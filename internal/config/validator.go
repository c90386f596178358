package config

import (
	"fmt"
	"strings"

	"conduit/internal/constants"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateStatic(cfg *Config) error {
	var errors []error

	validators := []func(*Config) error{
		func(c *Config) error { return validateServer(c.Server) },
		func(c *Config) error { return validateRedis(c.Redis) },
		func(c *Config) error { return validateStreams(c.Streams) },
		func(c *Config) error { return validateTracker(c.Tracker) },
		func(c *Config) error { return validateGroup(c.Group, c.Streams) },
		func(c *Config) error { return validateKafka(c.Broker.Kafka) },
		func(c *Config) error { return validateRetry(c.Retry) },
	}

	for _, validate := range validators {
		if err := validate(cfg); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errors)
	}

	return nil
}

func validateServer(cfg ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.ReadTimeout <= 0 {
		return &ValidationError{
			Field:   "server.read_timeout",
			Message: "read timeout must be positive",
		}
	}

	if cfg.WriteTimeout <= 0 {
		return &ValidationError{
			Field:   "server.write_timeout",
			Message: "write timeout must be positive",
		}
	}

	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return &ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", cfg.Port),
		}
	}

	if cfg.DB < 0 {
		return &ValidationError{
			Field:   "redis.db",
			Message: "db must be non-negative",
		}
	}

	return nil
}

func validateStreams(cfg StreamsConfig) error {
	if cfg.Namespace == "" {
		return &ValidationError{
			Field:   "streams.namespace",
			Message: "namespace is required",
		}
	}

	for field, value := range map[string]string{
		"streams.namespace": cfg.Namespace,
		"streams.topic":     cfg.Topic,
		"streams.shard":     cfg.Shard,
	} {
		if strings.Contains(value, constants.StreamKeySeparator) || strings.Contains(value, constants.ShardSeparator) {
			return &ValidationError{
				Field:   field,
				Message: fmt.Sprintf("must not contain %q or %q", constants.StreamKeySeparator, constants.ShardSeparator),
			}
		}
	}

	switch strings.ToUpper(cfg.Mode) {
	case constants.ModeRealtime, constants.ModeOrdered:
	default:
		return &ValidationError{
			Field:   "streams.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: REALTIME, ORDERED)", cfg.Mode),
		}
	}

	if cfg.BatchSize <= 0 {
		return &ValidationError{
			Field:   "streams.batch_size",
			Message: "batch size must be positive",
		}
	}

	if cfg.Block <= 0 {
		return &ValidationError{
			Field:   "streams.block",
			Message: "blocking timeout must be positive",
		}
	}

	if cfg.MaxLen < 0 {
		return &ValidationError{
			Field:   "streams.max_len",
			Message: "max_len must be non-negative",
		}
	}

	return nil
}

func validateTracker(cfg TrackerConfig) error {
	if cfg.Timeout <= 0 {
		return &ValidationError{
			Field:   "tracker.timeout",
			Message: "correlation timeout must be positive",
		}
	}
	return nil
}

func validateGroup(cfg GroupConfig, streams StreamsConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Name == "" {
		return &ValidationError{
			Field:   "group.name",
			Message: "group name is required when groups are enabled",
		}
	}

	if cfg.Min < 1 {
		return &ValidationError{
			Field:   "group.min",
			Message: fmt.Sprintf("min must be at least 1, got %d", cfg.Min),
		}
	}

	if cfg.Min > cfg.Max {
		return &ValidationError{
			Field:   "group.max",
			Message: fmt.Sprintf("max (%d) must be greater than or equal to min (%d)", cfg.Max, cfg.Min),
		}
	}

	if strings.ToUpper(streams.Mode) == constants.ModeOrdered && cfg.Max > 1 {
		return &ValidationError{
			Field:   "group.max",
			Message: "ORDERED topics allow a single group member",
		}
	}

	if cfg.ProcessingTimeout < 0 {
		return &ValidationError{
			Field:   "group.processing_timeout",
			Message: "processing timeout must be non-negative",
		}
	}

	if cfg.IdleTimeout < 0 {
		return &ValidationError{
			Field:   "group.idle_timeout",
			Message: "idle timeout must be non-negative",
		}
	}

	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return nil
	}

	for i, broker := range cfg.Brokers {
		if broker == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("broker.kafka.brokers[%d]", i),
				Message: "broker address cannot be empty",
			}
		}
	}

	if cfg.GroupID == "" {
		return &ValidationError{
			Field:   "broker.kafka.group_id",
			Message: "Kafka consumer group ID is required",
		}
	}

	if cfg.InputTopic == "" {
		return &ValidationError{
			Field:   "broker.kafka.input_topic",
			Message: "Kafka input topic is required",
		}
	}

	return nil
}

func validateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 0 {
		return &ValidationError{
			Field:   "retry.max_attempts",
			Message: "max_attempts must be non-negative",
		}
	}

	if cfg.InitialInterval < 0 {
		return &ValidationError{
			Field:   "retry.initial_interval",
			Message: "initial_interval must be non-negative",
		}
	}

	if cfg.MaxInterval < 0 {
		return &ValidationError{
			Field:   "retry.max_interval",
			Message: "max_interval must be non-negative",
		}
	}

	if cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval {
		return &ValidationError{
			Field:   "retry.max_interval",
			Message: "max_interval must be greater than or equal to initial_interval",
		}
	}

	if cfg.Multiplier <= 0 {
		return &ValidationError{
			Field:   "retry.multiplier",
			Message: "multiplier must be positive",
		}
	}

	return nil
}

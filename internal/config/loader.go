package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"conduit/internal/constants"
)

func LoadConfig(configFile string) (*Config, error) {
	viper.Reset()

	viper.SetConfigType("yaml")
	viper.SetConfigFile(configFile)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)

	viper.SetDefault("streams.topic", constants.DefaultTopicName)
	viper.SetDefault("streams.mode", constants.ModeRealtime)
	viper.SetDefault("streams.batch_size", constants.DefaultBatchSize)
	viper.SetDefault("streams.block", constants.DefaultBlockTimeout)

	viper.SetDefault("tracker.timeout", constants.DefaultCorrelationTimeout)

	viper.SetDefault("group.min", 1)
	viper.SetDefault("group.max", 1)
	viper.SetDefault("group.acknowledge", true)
	viper.SetDefault("group.start_cursor", "$")

	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.initial_interval", "500ms")
	viper.SetDefault("retry.max_interval", "30s")
	viper.SetDefault("retry.multiplier", 2.0)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("rate_limit.rps", 10.0)
	viper.SetDefault("rate_limit.burst", 20)
	viper.SetDefault("rate_limit.cleanup_interval", "5m")
	viper.SetDefault("rate_limit.max_age", "10m")
}

func bindEnvVariables() {
	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("streams.namespace", "STREAMS_NAMESPACE")
	viper.BindEnv("streams.topic", "STREAMS_TOPIC")
	viper.BindEnv("streams.shard", "STREAMS_SHARD")
	viper.BindEnv("streams.mode", "STREAMS_MODE")

	viper.BindEnv("group.enabled", "GROUP_ENABLED")
	viper.BindEnv("group.name", "GROUP_NAME")
	viper.BindEnv("group.max", "GROUP_MAX")

	viper.BindEnv("tracker.timeout", "TRACKER_TIMEOUT")

	viper.BindEnv("broker.kafka.brokers", "BROKER_KAFKA_BROKERS")
	viper.BindEnv("broker.kafka.group_id", "BROKER_KAFKA_GROUP_ID")
	viper.BindEnv("broker.kafka.input_topic", "BROKER_KAFKA_INPUT_TOPIC")
	viper.BindEnv("broker.kafka.dlq_topic", "BROKER_KAFKA_DLQ_TOPIC")

	viper.BindEnv("server.port", "SERVER_PORT")

	viper.BindEnv("logging.level", "LOGGING_LEVEL")
	viper.BindEnv("logging.format", "LOGGING_FORMAT")

	viper.BindEnv("tracing.otlp.endpoint", "TRACING_OTLP_ENDPOINT")
	viper.BindEnv("tracing.otlp.insecure", "TRACING_OTLP_INSECURE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.service_name", "TRACING_SERVICE_NAME")
}

func applyEnvOverrides(cfg *Config) error {
	if brokersEnv := viper.GetString("BROKER_KAFKA_BROKERS"); brokersEnv != "" {
		brokers := strings.Split(brokersEnv, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		if len(brokers) > 0 && brokers[0] != "" {
			cfg.Broker.Kafka.Brokers = brokers
		}
	}

	if otlpEndpoint := viper.GetString("TRACING_OTLP_ENDPOINT"); otlpEndpoint != "" {
		cfg.Tracing.OTLP.Endpoint = otlpEndpoint
	}

	cfg.Streams.Mode = strings.ToUpper(cfg.Streams.Mode)

	return nil
}

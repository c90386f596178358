package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig
	Redis          RedisConfig
	Streams        StreamsConfig
	Tracker        TrackerConfig
	Group          GroupConfig
	Consumer       ConsumerConfig
	Broker         BrokerConfig
	Retry          RetryConfig
	Logging        LoggingConfig
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Tracing        TracingConfig
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// StreamsConfig names the topic this process talks on and how it polls it.
type StreamsConfig struct {
	Namespace string        `mapstructure:"namespace"`
	Topic     string        `mapstructure:"topic"`
	Shard     string        `mapstructure:"shard"`
	Mode      string        `mapstructure:"mode"`
	BatchSize int64         `mapstructure:"batch_size"`
	Block     time.Duration `mapstructure:"block"`
	MaxLen    int64         `mapstructure:"max_len"`
}

type TrackerConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// GroupConfig describes a consumer group. IdleTimeout also expires the
// member id counter; left at zero the counter never resets, and a restarted
// process for the same group fails with GROUP_CAPACITY_EXCEEDED until the
// {stream}::{group}::MEMBERS key is deleted.
type GroupConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Name              string        `mapstructure:"name"`
	Min               int           `mapstructure:"min"`
	Max               int           `mapstructure:"max"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	Acknowledge       bool          `mapstructure:"acknowledge"`
	StartCursor       string        `mapstructure:"start_cursor"`
}

type ConsumerConfig struct {
	Bidirectional bool   `mapstructure:"bidirectional"`
	Filter        string `mapstructure:"filter"`
	DedupWindow   int    `mapstructure:"dedup_window"`
}

type BrokerConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig configures the optional Kafka ingress bridge.
type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	GroupID    string   `mapstructure:"group_id"`
	InputTopic string   `mapstructure:"input_topic"`
	DLQTopic   string   `mapstructure:"dlq_topic"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	RPS             float64       `mapstructure:"rps"`
	Burst           int           `mapstructure:"burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

func Load(configFile string) (*Config, error) {
	return LoadConfig(configFile)
}

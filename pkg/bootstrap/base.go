// Package bootstrap builds the shared runtime pieces every conduit command
// needs and tears them down again.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"conduit/internal/config"
	"conduit/internal/logger"
	"conduit/internal/stream"
	"conduit/pkg/models"
	"conduit/pkg/tracing"
)

type Base struct {
	Config  *config.Config
	Logger  logger.Logger
	Redis   redis.UniversalClient
	Channel stream.Channel
	Tracing *tracing.Provider
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config: cfg,
		Logger: log,
	}
}

// Topic is the configured topic, shard and mode.
func (b *Base) Topic() models.Topic {
	s := b.Config.Streams
	topic := models.NewTopic(s.Namespace, s.Topic).WithShard(s.Shard)
	if s.Mode != "" {
		topic = topic.WithMode(models.Mode(s.Mode))
	}
	return topic
}

// InitChannel connects to Redis and builds the stream channel, wrapped in a
// circuit breaker when one is configured.
func (b *Base) InitChannel(ctx context.Context) error {
	client, err := NewRedisClient(ctx, b.Config.Redis)
	if err != nil {
		return err
	}
	b.Logger.Infow("Redis connected successfully", "host", b.Config.Redis.Host, "port", b.Config.Redis.Port)

	b.Redis = client
	var channel stream.Channel = stream.NewRedisChannel(client, b.Config.Streams.MaxLen, b.Logger)
	b.Channel = stream.NewCircuitBreakerChannel(channel, b.Config.CircuitBreaker)
	return nil
}

func (b *Base) InitTracing(serviceName string) error {
	tp, err := tracing.Init(b.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.Tracing = tp
	return nil
}

// Shutdown closes everything Init* opened, then runs additionalShutdown.
// All failures are reported together.
func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) error) error {
	b.Logger.Info("Shutting down application...")

	var errs error
	if additionalShutdown != nil {
		errs = multierr.Append(errs, additionalShutdown(ctx))
	}
	if b.Channel != nil {
		if err := b.Channel.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel close error: %w", err))
		}
	}
	if b.Tracing != nil {
		if err := b.Tracing.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("tracing shutdown error: %w", err))
		}
	}

	if errs != nil {
		return fmt.Errorf("shutdown errors: %w", errs)
	}

	b.Logger.Info("Application exited successfully")
	return nil
}

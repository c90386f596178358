package stream

import (
	"context"
	"errors"
	"time"

	"conduit/internal/config"
	"conduit/pkg/circuitbreaker"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

// CircuitBreakerChannel guards the write path of a Channel. Reads are passed
// straight through: they block by design and a timed out read is not a
// failure.
type CircuitBreakerChannel struct {
	Channel
	cb *circuitbreaker.Wrapper
}

// NewCircuitBreakerChannel returns channel unchanged when the breaker is
// disabled.
func NewCircuitBreakerChannel(channel Channel, cfg config.CircuitBreakerConfig) Channel {
	if !cfg.Enabled {
		return channel
	}
	return &CircuitBreakerChannel{
		Channel: channel,
		cb:      circuitbreaker.NewWrapper(circuitbreaker.FromConfig("redis-streams", cfg)),
	}
}

func (c *CircuitBreakerChannel) Append(ctx context.Context, stream string, env models.Envelope) (string, error) {
	id, err := circuitbreaker.Execute(ctx, c.cb, func() (string, error) {
		return c.Channel.Append(ctx, stream, env)
	})
	return id, openAsTransport("XADD", stream, err)
}

func (c *CircuitBreakerChannel) Acknowledge(ctx context.Context, stream, group string, ids ...string) error {
	_, err := circuitbreaker.Execute(ctx, c.cb, func() (struct{}, error) {
		return struct{}{}, c.Channel.Acknowledge(ctx, stream, group, ids...)
	})
	return openAsTransport("XACK", stream, err)
}

func (c *CircuitBreakerChannel) Claim(ctx context.Context, stream, group, member string, minIdle time.Duration, start string, count int64) (Batch, error) {
	batch, err := circuitbreaker.Execute(ctx, c.cb, func() (Batch, error) {
		return c.Channel.Claim(ctx, stream, group, member, minIdle, start, count)
	})
	return batch, openAsTransport("XAUTOCLAIM", stream, err)
}

func (c *CircuitBreakerChannel) State() string {
	return c.cb.State().String()
}

func (c *CircuitBreakerChannel) IsOpen() bool {
	return c.cb.IsOpen()
}

// openAsTransport reports a call short-circuited by the breaker as the
// transport failure it stands in for.
func openAsTransport(op, stream string, err error) error {
	if err != nil && errors.Is(err, circuitbreaker.ErrOpen) {
		return apperrors.Transport(op, stream, shardOf(stream), err)
	}
	return err
}

package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/config"
	"conduit/pkg/circuitbreaker"
	apperrors "conduit/pkg/errors"
)

func TestCircuitBreakerChannel_Disabled(t *testing.T) {
	mem := NewMemoryChannel()
	ch := NewCircuitBreakerChannel(mem, config.CircuitBreakerConfig{Enabled: false})
	assert.Same(t, mem, ch)
}

func TestCircuitBreakerChannel_OpensOnAppendFailures(t *testing.T) {
	mem := NewMemoryChannel()
	failing := true
	mem.FailOn = func(op, stream string) error {
		if failing && op == "XADD" {
			return errors.New("connection refused")
		}
		return nil
	}

	ch := NewCircuitBreakerChannel(mem, config.CircuitBreakerConfig{
		Enabled:      true,
		MinRequests:  2,
		FailureRatio: 0.5,
	})
	cb, ok := ch.(*CircuitBreakerChannel)
	require.True(t, ok)

	ctx := context.Background()
	stream := "cb::orders::CONSUMER_INCOMING"
	for i := 0; i < 2; i++ {
		_, err := ch.Append(ctx, stream, envelope("x", "t", nil))
		assert.True(t, apperrors.IsTransport(err))
	}
	require.True(t, cb.IsOpen())

	failing = false
	_, err := ch.Append(ctx, stream, envelope("y", "t", nil))
	assert.True(t, apperrors.IsTransport(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Zero(t, mem.Len(stream))

	// reads bypass the breaker
	_, err = ch.ReadBatch(ctx, stream, CursorBeginning, 1, 0)
	assert.NoError(t, err)
}

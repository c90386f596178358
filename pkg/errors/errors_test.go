package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_CarriesContext(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Transport("XADD", "app::orders::CONSUMER_INCOMING", "2", cause)

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "XADD", err.Details["operation"])
	assert.Equal(t, "app::orders::CONSUMER_INCOMING", err.Details["stream"])
	assert.Equal(t, "2", err.Details["shard"])
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithDetail_DoesNotMutateSentinel(t *testing.T) {
	_ = ErrTransport.WithDetail("stream", "s1")
	assert.Empty(t, ErrTransport.Details)
}

func TestIs_MatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", ErrCorrelationTimeout.WithDetail("id", "abc"))

	assert.True(t, stderrors.Is(wrapped, ErrCorrelationTimeout))
	assert.False(t, stderrors.Is(wrapped, ErrCorrelationCancelled))
	assert.True(t, IsCorrelationTimeout(wrapped))
}

func TestRetryability(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
		fatal     bool
	}{
		{name: "transport", err: ErrTransport, retryable: true, fatal: false},
		{name: "malformed", err: ErrMalformedEnvelope, retryable: false, fatal: false},
		{name: "capacity", err: ErrGroupCapacityExceeded, retryable: false, fatal: true},
		{name: "forced fatal", err: ErrTransport.AsFatal(), retryable: false, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, tt.fatal, tt.err.IsFatal())
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("boom")
	require.Error(t, err)

	var appErr *Error
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.True(t, appErr.IsFatal())
	assert.Equal(t, true, appErr.Details["panic"])
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrUnhandledMessageType.WithDetail("message_type", "login"))
	assert.Equal(t, "UNHANDLED_MESSAGE_TYPE", resp["error_code"])

	resp = ToErrorResponse(fmt.Errorf("plain"))
	assert.Equal(t, "INTERNAL_ERROR", resp["error_code"])
}

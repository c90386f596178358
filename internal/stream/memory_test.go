package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

func TestMemoryChannel_Contract(t *testing.T) {
	testChannelContract(t, func(t *testing.T) Channel {
		return NewMemoryChannel()
	})
}

func TestMemoryChannel_MalformedEntryIsRejected(t *testing.T) {
	ch := NewMemoryChannel()
	stream := "ns::topic::CONSUMER_INCOMING"

	var bad models.Record
	bad[models.SlotMessageType] = "orphan"
	badID := ch.AppendRaw(stream, bad)
	_, err := ch.Append(context.Background(), stream, envelope("good", "tick", nil))
	require.NoError(t, err)

	batch, err := ch.ReadBatch(context.Background(), stream, CursorBeginning, 10, shortBlock)
	require.NoError(t, err)
	require.Len(t, batch.Rejected, 1)
	assert.Equal(t, badID, batch.Rejected[0].EntryID)
	assert.True(t, apperrors.IsMalformedEnvelope(batch.Rejected[0].Err))
	require.Len(t, batch.Entries, 1)
	assert.Equal(t, "good", batch.Entries[0].ID)
}

func TestMemoryChannel_FailureIsTransport(t *testing.T) {
	ch := NewMemoryChannel()
	ch.FailOn = func(op, stream string) error {
		if op == "XADD" {
			return errors.New("connection reset")
		}
		return nil
	}

	_, err := ch.Append(context.Background(), "app::orders#3::CONSUMER_INCOMING", envelope("x", "t", nil))
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "XADD", appErr.Details["operation"])
	assert.Equal(t, "3", appErr.Details["shard"])
}

func TestMemoryChannel_ClosedUnblocksReaders(t *testing.T) {
	ch := NewMemoryChannel()
	done := make(chan error, 1)
	go func() {
		_, err := ch.ReadBatch(context.Background(), "s", CursorBeginning, 1, longBlock)
		done <- err
	}()

	require.NoError(t, ch.Close())
	err := <-done
	assert.True(t, apperrors.IsTransport(err))
}

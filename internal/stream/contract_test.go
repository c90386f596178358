package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

const (
	shortBlock = 50 * time.Millisecond
	longBlock  = 5 * time.Second
)

func envelope(id, msgType string, payload interface{}) models.Envelope {
	return models.Envelope{ID: id, Type: msgType, Protocol: models.ProtocolJSON, Payload: payload}
}

func appendN(t *testing.T, ch Channel, stream string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := ch.Append(context.Background(), stream, envelope(fmt.Sprintf("m%d", i), "tick", map[string]interface{}{"n": float64(i)}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

// testChannelContract exercises behaviour every Channel implementation shares.
func testChannelContract(t *testing.T, newChannel func(t *testing.T) Channel) {
	ctx := context.Background()

	t.Run("read after cursor in order", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "order").ConsumerKey()
		ids := appendN(t, ch, stream, 3)

		batch, err := ch.ReadBatch(ctx, stream, CursorBeginning, 10, shortBlock)
		require.NoError(t, err)
		require.Len(t, batch.Entries, 3)
		for i, env := range batch.Entries {
			assert.Equal(t, fmt.Sprintf("m%d", i), env.ID)
			assert.Equal(t, ids[i], env.EntryID)
			assert.Equal(t, stream, env.Stream)
		}
		assert.Equal(t, ids[2], batch.Cursor)

		again, err := ch.ReadBatch(ctx, stream, batch.Cursor, 10, shortBlock)
		require.NoError(t, err)
		assert.True(t, again.Empty())
		assert.Equal(t, batch.Cursor, again.Cursor)
	})

	t.Run("count limits the batch", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "count").ConsumerKey()
		ids := appendN(t, ch, stream, 5)

		batch, err := ch.ReadBatch(ctx, stream, CursorBeginning, 2, shortBlock)
		require.NoError(t, err)
		require.Len(t, batch.Entries, 2)
		assert.Equal(t, ids[1], batch.Cursor)
	})

	t.Run("latest cursor is resolved", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "latest").ConsumerKey()
		ids := appendN(t, ch, stream, 2)

		batch, err := ch.ReadBatch(ctx, stream, CursorLatest, 10, shortBlock)
		require.NoError(t, err)
		assert.True(t, batch.Empty())
		assert.Equal(t, ids[1], batch.Cursor)

		_, err = ch.Append(ctx, stream, envelope("fresh", "tick", nil))
		require.NoError(t, err)

		batch, err = ch.ReadBatch(ctx, stream, batch.Cursor, 10, shortBlock)
		require.NoError(t, err)
		require.Len(t, batch.Entries, 1)
		assert.Equal(t, "fresh", batch.Entries[0].ID)
	})

	t.Run("latest id of empty stream", func(t *testing.T) {
		ch := newChannel(t)
		id, err := ch.LatestID(ctx, "contract::missing::CONSUMER_INCOMING")
		require.NoError(t, err)
		assert.Equal(t, CursorBeginning, id)
	})

	t.Run("blocking read wakes on append", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "block").ConsumerKey()

		go func() {
			time.Sleep(20 * time.Millisecond)
			_, _ = ch.Append(context.Background(), stream, envelope("late", "tick", nil))
		}()

		batch, err := ch.ReadBatch(ctx, stream, CursorBeginning, 10, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, batch.Entries, 1)
		assert.Equal(t, "late", batch.Entries[0].ID)
	})

	t.Run("multi stream read", func(t *testing.T) {
		ch := newChannel(t)
		a := models.NewTopic("contract", "a").ConsumerKey()
		b := models.NewTopic("contract", "b").ConsumerKey()
		appendN(t, ch, a, 2)
		idsB := appendN(t, ch, b, 1)

		res, err := ch.ReadStreams(ctx, map[string]string{a: CursorBeginning, b: CursorBeginning}, 10, shortBlock)
		require.NoError(t, err)
		assert.Len(t, res.Entries, 3)
		assert.Equal(t, idsB[0], res.Cursors[b])

		perStream := map[string][]string{}
		for _, env := range res.Entries {
			perStream[env.Stream] = append(perStream[env.Stream], env.ID)
		}
		assert.Equal(t, []string{"m0", "m1"}, perStream[a])
	})

	t.Run("group create is reported when it exists", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "groups").ConsumerKey()

		require.NoError(t, ch.CreateGroup(ctx, stream, "workers", CursorBeginning))
		err := ch.CreateGroup(ctx, stream, "workers", CursorBeginning)
		assert.True(t, apperrors.IsGroupExists(err), "got %v", err)
	})

	t.Run("group members share entries", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "share").ConsumerKey()
		require.NoError(t, ch.CreateGroup(ctx, stream, "workers", CursorBeginning))
		require.NoError(t, ch.CreateMember(ctx, stream, "workers", "1"))
		require.NoError(t, ch.CreateMember(ctx, stream, "workers", "2"))
		appendN(t, ch, stream, 3)

		first, err := ch.ReadBatchAsGroup(ctx, stream, "workers", "1", 2, shortBlock)
		require.NoError(t, err)
		second, err := ch.ReadBatchAsGroup(ctx, stream, "workers", "2", 10, shortBlock)
		require.NoError(t, err)

		require.Len(t, first.Entries, 2)
		require.Len(t, second.Entries, 1)
		assert.Equal(t, "m2", second.Entries[0].ID)

		empty, err := ch.ReadBatchAsGroup(ctx, stream, "workers", "1", 10, shortBlock)
		require.NoError(t, err)
		assert.True(t, empty.Empty())

		require.NoError(t, ch.Acknowledge(ctx, stream, "workers", first.Entries[0].EntryID))

		members, err := ch.Members(ctx, stream, "workers")
		require.NoError(t, err)
		pending := map[string]int64{}
		for _, m := range members {
			pending[m.Name] = m.Pending
		}
		assert.Equal(t, map[string]int64{"1": 1, "2": 1}, pending)
	})

	t.Run("claim moves stale pending entries", func(t *testing.T) {
		ch := newChannel(t)
		stream := models.NewTopic("contract", "claim").ConsumerKey()
		require.NoError(t, ch.CreateGroup(ctx, stream, "workers", CursorBeginning))
		appendN(t, ch, stream, 2)

		_, err := ch.ReadBatchAsGroup(ctx, stream, "workers", "crashed", 10, shortBlock)
		require.NoError(t, err)

		time.Sleep(30 * time.Millisecond)
		claimed, err := ch.Claim(ctx, stream, "workers", "rescuer", 10*time.Millisecond, CursorBeginning, 10)
		require.NoError(t, err)
		require.Len(t, claimed.Entries, 2)
		assert.Equal(t, "m0", claimed.Entries[0].ID)

		pending, err := ch.RemoveMember(ctx, stream, "workers", "crashed")
		require.NoError(t, err)
		assert.Zero(t, pending)

		members, err := ch.Members(ctx, stream, "workers")
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, "rescuer", members[0].Name)
		assert.Equal(t, int64(2), members[0].Pending)
	})

	t.Run("group read on missing group is a transport error", func(t *testing.T) {
		ch := newChannel(t)
		_, err := ch.ReadBatchAsGroup(ctx, "contract::nogroup::CONSUMER_INCOMING", "ghosts", "1", 1, shortBlock)
		assert.True(t, apperrors.IsTransport(err), "got %v", err)
	})
}

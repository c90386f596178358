package consumer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/stream"
	"conduit/pkg/models"
)

func groupConsumer(t *testing.T, ch stream.Channel, member string, cfg Config) *Consumer {
	t.Helper()
	cfg.Topic = testTopic
	cfg.Block = testBlock
	cfg.Membership = GroupMember{Group: "workers", Member: member, Acknowledge: true}
	c, err := New(cfg, ch, nil)
	require.NoError(t, err)
	return c
}

func TestGroupMember_AcknowledgesProcessedEntries(t *testing.T) {
	ch := stream.NewMemoryChannel()
	ctx := context.Background()
	key := testTopic.ConsumerKey()
	require.NoError(t, ch.CreateGroup(ctx, key, "workers", stream.CursorBeginning))

	c := groupConsumer(t, ch, "m-1", Config{})
	var handled atomic.Int32
	c.RegisterHandler("job", func(context.Context, models.Envelope) (interface{}, error) {
		handled.Add(1)
		return nil, nil
	})

	for _, id := range []string{"j-1", "j-2", "j-3"} {
		_, err := ch.Append(ctx, key, request(id, "job", nil))
		require.NoError(t, err)
	}
	runConsumer(t, c)

	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ch.Pending(key, "workers") == 0 }, time.Second, 10*time.Millisecond)
}

func TestGroupMember_FailedEntryStaysPendingUntilReclaimed(t *testing.T) {
	ch := stream.NewMemoryChannel()
	ctx := context.Background()
	key := testTopic.ConsumerKey()
	require.NoError(t, ch.CreateGroup(ctx, key, "workers", stream.CursorBeginning))

	flaky := groupConsumer(t, ch, "flaky", Config{})
	flaky.RegisterHandler("job", func(context.Context, models.Envelope) (interface{}, error) {
		return nil, assert.AnError
	})

	_, err := ch.Append(ctx, key, request("j-1", "job", nil))
	require.NoError(t, err)

	flakyCtx, stopFlaky := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = flaky.Run(flakyCtx)
		close(done)
	}()
	require.Eventually(t, func() bool { return ch.Pending(key, "workers") == 1 }, time.Second, 10*time.Millisecond)
	stopFlaky()
	<-done

	healthy := groupConsumer(t, ch, "healthy", Config{ReclaimIdle: 20 * time.Millisecond, ReclaimInterval: 20 * time.Millisecond})
	var got atomic.Value
	healthy.RegisterHandler("job", func(_ context.Context, env models.Envelope) (interface{}, error) {
		got.Store(env.ID)
		return nil, nil
	})
	runConsumer(t, healthy)

	require.Eventually(t, func() bool { return got.Load() == "j-1" }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return ch.Pending(key, "workers") == 0 }, time.Second, 10*time.Millisecond)
}

func TestGroupMember_ReclaimedEntryRepliesOnce(t *testing.T) {
	ch := stream.NewMemoryChannel()
	ctx := context.Background()
	key := testTopic.ConsumerKey()
	require.NoError(t, ch.CreateGroup(ctx, key, "workers", stream.CursorBeginning))

	c := groupConsumer(t, ch, "m-1", Config{
		Bidirectional:   true,
		SourceID:        "svc",
		ReclaimIdle:     20 * time.Millisecond,
		ReclaimInterval: 20 * time.Millisecond,
	})
	var calls atomic.Int32
	c.RegisterHandler("job", func(context.Context, models.Envelope) (interface{}, error) {
		if calls.Add(1) == 1 {
			return nil, assert.AnError
		}
		return "done", nil
	})

	_, err := ch.Append(ctx, key, request("j-1", "job", nil))
	require.NoError(t, err)
	runConsumer(t, c)

	require.Eventually(t, func() bool { return ch.Pending(key, "workers") == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(3 * testBlock)

	replies := ch.Entries(testTopic.ProducerKey())
	require.Len(t, replies, 1)
	assert.Equal(t, "j-1", replies[0].ID)
	assert.Equal(t, "resp", replies[0].Type)
	assert.Equal(t, "done", replies[0].Payload)
	assert.EqualValues(t, 2, calls.Load())
}

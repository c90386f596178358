package group

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/consumer"
	"conduit/internal/stream"
	"conduit/internal/testutil"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

func TestRedisRegistry_CountsAndExpires(t *testing.T) {
	client := testutil.Redis(t)
	ctx := context.Background()
	registry := NewRedisRegistry(client)

	n, err := registry.Next(ctx, "reg::a", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	n, err = registry.Next(ctx, "reg::a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ttl, err := client.TTL(ctx, "reg::a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	cur, err := registry.Current(ctx, "reg::a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cur)

	cur, err = registry.Current(ctx, "reg::missing")
	require.NoError(t, err)
	assert.Zero(t, cur)

	require.NoError(t, registry.Refresh(ctx, "reg::a", time.Hour))
	ttl, err = client.TTL(ctx, "reg::a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Minute)
}

func TestRedisCluster_DeliversEachEntryOnce(t *testing.T) {
	client := testutil.Redis(t)
	log := testutil.Logger()
	ch := stream.NewRedisChannel(client, 0, log)

	cfg := Config{
		Name:        "workers",
		Topic:       models.NewTopic("it", "jobs"),
		Min:         1,
		Max:         3,
		Acknowledge: true,
		StartCursor: stream.CursorBeginning,
	}
	coord := NewCoordinator(cfg, ch, NewRedisRegistry(client), log)

	d := &deliveries{byID: make(map[string][]string)}
	cluster := NewCluster(coord, consumer.Config{Block: 100 * time.Millisecond}, log)
	cluster.RegisterHandler("job", d.record)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cluster.Launch(ctx) }()

	require.Eventually(t, func() bool { return len(cluster.Members()) == 3 }, 5*time.Second, 10*time.Millisecond)

	for _, id := range []string{"j-1", "j-2", "j-3"} {
		_, err := ch.Append(ctx, cfg.Stream(), job(id))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return d.count() == 3 }, 5*time.Second, 20*time.Millisecond)

	d.mu.Lock()
	for id, got := range d.byID {
		assert.Len(t, got, 1, "entry %s delivered more than once", id)
	}
	d.mu.Unlock()

	_, err := coord.AllocateMember(ctx)
	assert.True(t, apperrors.IsGroupCapacityExceeded(err))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cluster did not stop")
	}
}

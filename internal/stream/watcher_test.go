package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

type collector struct {
	mu   sync.Mutex
	seen []models.Envelope
}

func (c *collector) handle(_ context.Context, env models.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, env)
}

func (c *collector) ids(stream string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, env := range c.seen {
		if stream == "" || env.Stream == stream {
			out = append(out, env.ID)
		}
	}
	return out
}

func startWatcher(t *testing.T, ch Channel, c *collector) (*Watcher, <-chan error) {
	t.Helper()
	w := NewWatcher(ch, c.handle, 10, longBlock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errc <- w.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return w, errc
}

func TestWatcher_NewStreamObservedWithoutWaitingForBlock(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	w, _ := startWatcher(t, ch, c)
	ctx := context.Background()

	a := models.NewTopic("w", "a").ConsumerKey()
	b := models.NewTopic("w", "b").ConsumerKey()

	require.NoError(t, w.AddStream(ctx, a))
	_, err := ch.Append(ctx, a, envelope("a1", "tick", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.ids(a)) == 1 }, time.Second, 5*time.Millisecond)

	// The in-flight read on a blocks for longBlock; adding b must not wait for it.
	added := time.Now()
	require.NoError(t, w.AddStream(ctx, b))
	assert.Less(t, time.Since(added), time.Second)

	_, err = ch.Append(ctx, b, envelope("b1", "tick", nil))
	require.NoError(t, err)
	_, err = ch.Append(ctx, a, envelope("a2", "tick", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c.ids(b)) == 1 && len(c.ids(a)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a2"}, c.ids(a))
}

func TestWatcher_AddedStreamStartsAtLatest(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	w, _ := startWatcher(t, ch, c)
	ctx := context.Background()

	s := models.NewTopic("w", "history").ConsumerKey()
	_, err := ch.Append(ctx, s, envelope("old", "tick", nil))
	require.NoError(t, err)

	require.NoError(t, w.AddStream(ctx, s))
	_, err = ch.Append(ctx, s, envelope("new", "tick", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.ids(s)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"new"}, c.ids(s))
}

func TestWatcher_RemovedStreamIsNotRead(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	w, _ := startWatcher(t, ch, c)
	ctx := context.Background()

	a := models.NewTopic("w", "keep").ConsumerKey()
	b := models.NewTopic("w", "drop").ConsumerKey()
	require.NoError(t, w.AddStream(ctx, a))
	require.NoError(t, w.AddStream(ctx, b))

	require.NoError(t, w.RemoveStream(ctx, b))
	streams, err := w.Streams(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a}, streams)

	_, err = ch.Append(ctx, b, envelope("ignored", "tick", nil))
	require.NoError(t, err)
	_, err = ch.Append(ctx, a, envelope("seen", "tick", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.ids(a)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.ids(b))
}

func TestWatcher_DuplicateAddKeepsCursor(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	w, _ := startWatcher(t, ch, c)
	ctx := context.Background()

	s := models.NewTopic("w", "dup").ConsumerKey()
	require.NoError(t, w.AddStream(ctx, s))
	_, err := ch.Append(ctx, s, envelope("first", "tick", nil))
	require.NoError(t, err)
	require.NoError(t, w.AddStream(ctx, s))

	require.Eventually(t, func() bool { return len(c.ids(s)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWatcher_TransportErrorStopsRun(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	w, done := startWatcher(t, ch, c)
	ctx := context.Background()

	require.NoError(t, w.AddStream(ctx, "w::broken::CONSUMER_INCOMING"))
	require.NoError(t, ch.Close())

	select {
	case err := <-done:
		assert.True(t, apperrors.IsTransport(err))
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}

	err := w.AddStream(ctx, "w::late::CONSUMER_INCOMING")
	assert.True(t, errors.Is(err, ErrWatcherStopped))
}

func TestWatcher_HandlerCanChangeRegistry(t *testing.T) {
	ch := NewMemoryChannel()
	c := &collector{}
	ctx := context.Background()

	control := models.NewTopic("w", "control").ConsumerKey()
	data := models.NewTopic("w", "data").ConsumerKey()

	var w *Watcher
	w = NewWatcher(ch, func(hctx context.Context, env models.Envelope) {
		c.handle(hctx, env)
		switch env.Type {
		case "follow":
			assert.NoError(t, w.AddStream(hctx, data))
		case "unfollow":
			assert.NoError(t, w.RemoveStream(hctx, data))
		}
	}, 10, longBlock, nil)

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		_ = w.Run(runCtx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	require.NoError(t, w.AddStream(ctx, control))
	_, err := ch.Append(ctx, control, envelope("c1", "follow", nil))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		streams, err := w.Streams(ctx)
		return err == nil && len(streams) == 2
	}, time.Second, 5*time.Millisecond)

	_, err = ch.Append(ctx, data, envelope("d1", "tick", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.ids(data)) == 1 }, time.Second, 5*time.Millisecond)

	_, err = ch.Append(ctx, control, envelope("c2", "unfollow", nil))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		streams, err := w.Streams(ctx)
		return err == nil && assert.ObjectsAreEqual([]string{control}, streams)
	}, time.Second, 5*time.Millisecond)
}

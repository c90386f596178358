package awaiter

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/consumer"
	"conduit/internal/correlation"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

const testBlock = 50 * time.Millisecond

var testTopic = models.NewTopic("test", "auth")

type harness struct {
	ch      *stream.MemoryChannel
	tracker *correlation.Tracker
	awaiter *Awaiter
}

func run(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = fn(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		ch:      stream.NewMemoryChannel(),
		tracker: correlation.NewTracker(timeout),
	}
	t.Cleanup(h.tracker.Close)
	h.awaiter = New(Config{Topic: testTopic, Block: testBlock}, h.ch, h.tracker, nil)
	run(t, h.awaiter.ReadResponseStream)
	return h
}

func (h *harness) serve(t *testing.T, register func(c *consumer.Consumer)) {
	t.Helper()
	c, err := consumer.New(consumer.Config{
		Topic:         testTopic,
		SourceID:      "auth-service",
		Bidirectional: true,
		Block:         testBlock,
		Membership:    consumer.Standalone{StartCursor: stream.CursorBeginning},
	}, h.ch, nil)
	require.NoError(t, err)
	register(c)
	run(t, c.Run)
}

func TestDispatch_Login(t *testing.T) {
	h := newHarness(t, 3*time.Second)
	h.serve(t, func(c *consumer.Consumer) {
		c.RegisterHandler("login", func(_ context.Context, env models.Envelope) (interface{}, error) {
			body := env.Payload.(map[string]interface{})
			if body["password"] != "hunter2" {
				return nil, apperrors.ErrValidation.WithDetail("message", "bad credentials")
			}
			return map[string]interface{}{"user": body["user"], "token": "t-1"}, nil
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := h.awaiter.Dispatch(ctx, map[string]interface{}{"user": "ada", "password": "hunter2"}, "login", "web-1", "")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"user": "ada", "token": "t-1"}, got)

	_, err = h.awaiter.Dispatch(ctx, map[string]interface{}{"user": "ada", "password": "nope"}, "login", "web-1", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsRemote(err))
	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Contains(t, appErr.Details["message"], "bad credentials")
	assert.Equal(t, "VALIDATION_ERROR", appErr.Details["code"])

	assert.Zero(t, h.tracker.Len())
}

func TestDispatch_RequestCarriesReplyStream(t *testing.T) {
	h := newHarness(t, 3*time.Second)
	h.serve(t, func(c *consumer.Consumer) {
		c.RegisterHandler("whoami", func(_ context.Context, env models.Envelope) (interface{}, error) {
			return env.Destination, nil
		})
	})

	got, err := h.awaiter.Dispatch(context.Background(), nil, "whoami", "web-1", "")
	require.NoError(t, err)
	assert.Equal(t, testTopic.ProducerKey(), got)

	reqs := h.ch.Entries(testTopic.ConsumerKey())
	require.Len(t, reqs, 1)
	assert.Equal(t, "web-1", reqs[0].SourceID)
	assert.Equal(t, "whoami", reqs[0].Type)
}

func TestDispatch_TimesOutWithoutConsumer(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)

	start := time.Now()
	_, err := h.awaiter.Dispatch(context.Background(), "ping", "ping", "web-1", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCorrelationTimeout(err))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// the request itself was still delivered
	assert.Equal(t, 1, h.ch.Len(testTopic.ConsumerKey()))
}

func TestDispatch_LateResponseIsDropped(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)

	env := models.NewEnvelopeBuilder().WithID("late-1").WithType("slow").WithJSONPayload(nil).Build()
	_, err := h.awaiter.DispatchEnvelope(context.Background(), env, "")
	require.True(t, apperrors.IsCorrelationTimeout(err))

	_, err = h.ch.Append(context.Background(), testTopic.ProducerKey(), env.Reply("resp", "svc", "too late"))
	require.NoError(t, err)

	time.Sleep(3 * testBlock)
	assert.Zero(t, h.tracker.Len())
}

func TestDispatch_ShardedTarget(t *testing.T) {
	h := newHarness(t, 100*time.Millisecond)

	_, err := h.awaiter.Publish(context.Background(), map[string]interface{}{"k": "v"}, "job", "web-1", "eu")
	require.NoError(t, err)

	assert.Equal(t, 1, h.ch.Len(testTopic.WithShard("eu").ConsumerKey()))
	assert.Zero(t, h.ch.Len(testTopic.ConsumerKey()))
}

func TestDispatch_ContextCancel(t *testing.T) {
	h := newHarness(t, 3*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.awaiter.Dispatch(ctx, nil, "hang", "web-1", "")
		errc <- err
	}()

	require.Eventually(t, func() bool { return h.ch.Len(testTopic.ConsumerKey()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.True(t, apperrors.IsCorrelationCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
	assert.Zero(t, h.tracker.Len())
}

func TestCancel_ReleasesWaiter(t *testing.T) {
	h := newHarness(t, 3*time.Second)

	env := models.NewEnvelopeBuilder().WithID("c-1").WithType("hang").WithJSONPayload(nil).Build()
	errc := make(chan error, 1)
	go func() {
		_, err := h.awaiter.DispatchEnvelope(context.Background(), env, "")
		errc <- err
	}()

	require.Eventually(t, func() bool { return h.ch.Len(testTopic.ConsumerKey()) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, h.awaiter.Cancel("c-1", "user aborted"))

	select {
	case err := <-errc:
		assert.True(t, apperrors.IsCorrelationCancelled(err))
	case <-time.After(time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
}

func TestReadResponseStream_StopsOnTransportFailure(t *testing.T) {
	ch := stream.NewMemoryChannel()
	a := New(Config{Topic: testTopic, Block: testBlock}, ch, correlation.NewTracker(time.Second), nil)

	errc := make(chan error, 1)
	go func() { errc <- a.ReadResponseStream(context.Background()) }()

	time.Sleep(testBlock)
	require.NoError(t, ch.Close())

	select {
	case err := <-errc:
		assert.True(t, apperrors.IsTransport(err))
	case <-time.After(time.Second):
		t.Fatal("response reader did not stop")
	}
}

func TestReadResponseStream_RestartsAfterFailure(t *testing.T) {
	ch := stream.NewMemoryChannel()
	tracker := correlation.NewTracker(2 * time.Second)
	t.Cleanup(tracker.Close)
	a := New(Config{Topic: testTopic, Block: testBlock}, ch, tracker, nil)

	var broken atomic.Bool
	broken.Store(true)
	ch.FailOn = func(op, _ string) error {
		if op == "XREAD" && broken.Load() {
			return errors.New("connection reset")
		}
		return nil
	}

	err := a.ReadResponseStream(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransport(err))

	broken.Store(false)
	run(t, a.ReadResponseStream)

	c, err := consumer.New(consumer.Config{
		Topic:         testTopic,
		SourceID:      "svc",
		Bidirectional: true,
		Block:         testBlock,
		Membership:    consumer.Standalone{StartCursor: stream.CursorBeginning},
	}, ch, nil)
	require.NoError(t, err)
	c.RegisterHandler("ping", func(context.Context, models.Envelope) (interface{}, error) {
		return "pong", nil
	})
	run(t, c.Run)

	got, err := a.Dispatch(context.Background(), nil, "ping", "web-1", "")
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestDispatch_TimesOutWithoutReader(t *testing.T) {
	ch := stream.NewMemoryChannel()
	tracker := correlation.NewTracker(100 * time.Millisecond)
	t.Cleanup(tracker.Close)
	a := New(Config{Topic: testTopic, Block: testBlock}, ch, tracker, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := a.Dispatch(context.Background(), "ping", "ping", "web-1", "")
		errc <- err
	}()

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.True(t, apperrors.IsCorrelationTimeout(err))
	case <-time.After(time.Second):
		t.Fatal("dispatch did not time out without a response reader")
	}
	assert.Zero(t, ch.Len(testTopic.ConsumerKey()))
	assert.Zero(t, tracker.Len())
}

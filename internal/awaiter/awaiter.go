// Package awaiter turns the asynchronous stream transport into a
// call-and-wait primitive.
package awaiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"conduit/internal/constants"
	"conduit/internal/correlation"
	"conduit/internal/logger"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/logging"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
	"conduit/pkg/tracing"
)

type Config struct {
	Topic models.Topic
	// ResponseStream is where replies are expected; it defaults to the
	// topic's producer stream.
	ResponseStream string
	BatchSize      int64
	Block          time.Duration
}

// Awaiter writes requests to a topic's consumer stream and resolves them
// from the responses read back on ResponseStream.
type Awaiter struct {
	cfg     Config
	channel stream.Channel
	tracker *correlation.Tracker
	logger  logger.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func New(cfg Config, channel stream.Channel, tracker *correlation.Tracker, log logger.Logger) *Awaiter {
	if cfg.ResponseStream == "" {
		cfg.ResponseStream = cfg.Topic.ProducerKey()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultBatchSize
	}
	if cfg.Block <= 0 {
		cfg.Block = constants.DefaultBlockTimeout
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Awaiter{
		cfg:     cfg,
		channel: channel,
		tracker: tracker,
		logger:  log,
		ready:   make(chan struct{}),
	}
}

func (a *Awaiter) ResponseStream() string {
	return a.cfg.ResponseStream
}

// Dispatch sends payload as a request of msgType to the shard's consumer
// stream and returns the payload of the matching response.
func (a *Awaiter) Dispatch(ctx context.Context, payload interface{}, msgType, sourceID, shard string) (interface{}, error) {
	env := models.NewEnvelopeBuilder().
		WithID(uuid.New().String()).
		WithType(msgType).
		WithSourceID(sourceID).
		WithJSONPayload(payload).
		Build()

	resp, err := a.DispatchEnvelope(ctx, env, shard)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// DispatchEnvelope sends env as-is, apart from pointing its destination at
// the response stream, and waits for the response envelope. A response of
// type "error" is returned as REMOTE_ERROR.
func (a *Awaiter) DispatchEnvelope(ctx context.Context, env models.Envelope, shard string) (models.Envelope, error) {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	env.Destination = a.cfg.ResponseStream
	target := a.cfg.Topic.WithShard(shard).ConsumerKey()

	ctx = logging.WithMessageID(ctx, env.ID)
	ctx, span := tracing.Tracer("awaiter").Start(ctx, "awaiter.dispatch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	env = tracing.InjectEnvelope(ctx, env)

	start := time.Now()
	future := a.tracker.Await(env.ID)
	defer a.tracker.Delete(env.ID)

	// The tracker timeout also bounds the wait for the response reader.
	select {
	case <-a.ready:
	case <-future.Done():
	case <-ctx.Done():
	}

	if isClosed(a.ready) && !isClosed(future.Done()) {
		if _, err := a.channel.Append(ctx, target, env); err != nil {
			metrics.ObserveDispatch(env.Type, "error", time.Since(start))
			a.logger.ErrorwCtx(ctx, "Failed to append request", "error", err, "stream", target)
			return models.Envelope{}, err
		}
		a.logger.DebugwCtx(ctx, "Request dispatched", "stream", target, "type", env.Type)
	}

	v, err := future.Wait(ctx)
	if err != nil {
		if !isClosed(a.ready) && apperrors.IsCorrelationTimeout(err) {
			a.logger.WarnwCtx(ctx, "No response reader running, request not sent", "stream", a.cfg.ResponseStream)
		}
		return models.Envelope{}, a.failed(env.Type, start, err)
	}

	metrics.ObserveDispatch(env.Type, "success", time.Since(start))
	resp, ok := v.(models.Envelope)
	if !ok {
		return models.Envelope{}, fmt.Errorf("unexpected response value %T for %s", v, env.ID)
	}
	return resp, nil
}

func (a *Awaiter) failed(msgType string, start time.Time, err error) error {
	status := "error"
	switch {
	case apperrors.IsCorrelationTimeout(err):
		status = "timeout"
	case apperrors.IsCorrelationCancelled(err):
		status = "cancelled"
	}
	metrics.ObserveDispatch(msgType, status, time.Since(start))
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Publish appends a request without waiting for any response.
func (a *Awaiter) Publish(ctx context.Context, payload interface{}, msgType, sourceID, shard string) (string, error) {
	env := models.NewEnvelopeBuilder().
		WithType(msgType).
		WithSourceID(sourceID).
		WithJSONPayload(payload).
		Build()
	env = tracing.InjectEnvelope(ctx, env)
	return a.channel.Append(ctx, a.cfg.Topic.WithShard(shard).ConsumerKey(), env)
}

// Cancel abandons the wait on id. The request already appended is not
// retracted.
func (a *Awaiter) Cancel(id, reason string) bool {
	return a.tracker.Cancel(id, reason)
}

// ReadResponseStream feeds responses into the tracker until ctx is done or
// the channel fails. It starts at the stream's current end; dispatches wait
// until that position is known. It may be called again after a failure.
func (a *Awaiter) ReadResponseStream(ctx context.Context) error {
	cursor, err := a.channel.LatestID(ctx, a.cfg.ResponseStream)
	if err != nil {
		return err
	}
	a.readyOnce.Do(func() { close(a.ready) })

	a.logger.InfowCtx(ctx, "Reading responses", "stream", a.cfg.ResponseStream, "cursor", cursor)

	for {
		batch, err := a.channel.ReadBatch(ctx, a.cfg.ResponseStream, cursor, a.cfg.BatchSize, a.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.InfowCtx(ctx, "Stopped reading responses", "reason", "context canceled")
				return ctx.Err()
			}
			a.logger.ErrorwCtx(ctx, "Response stream read failed", "error", err, "stream", a.cfg.ResponseStream)
			return err
		}
		cursor = batch.Cursor

		for _, env := range batch.Entries {
			a.resolve(ctx, env)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (a *Awaiter) resolve(ctx context.Context, env models.Envelope) {
	ctx = logging.WithMessageID(ctx, env.ID)

	if env.Type == constants.MessageTypeError {
		a.tracker.Reject(env.ID, remoteError(env))
		return
	}
	if !a.tracker.Resolve(env.ID, env) {
		a.logger.DebugwCtx(ctx, "Response not accepted", "type", env.Type)
	}
}

func remoteError(env models.Envelope) error {
	err := apperrors.ErrRemote.WithDetail("message_id", env.ID).WithDetail("source_id", env.SourceID)
	if body, ok := env.Payload.(map[string]interface{}); ok {
		if msg, ok := body["error"].(string); ok && msg != "" {
			err = err.WithDetail("message", msg)
		}
		if code, ok := body["code"].(string); ok && code != "" {
			err = err.WithDetail("code", code)
		}
	}
	return err
}

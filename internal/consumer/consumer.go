// Package consumer dispatches envelopes read from a stream to handlers
// registered by message type.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"conduit/internal/constants"
	"conduit/internal/logger"
	"conduit/internal/stream"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/cel"
	"conduit/pkg/logging"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
	"conduit/pkg/tracing"
)

// HandlerFunc handles one envelope; its result becomes the reply payload.
type HandlerFunc func(ctx context.Context, env models.Envelope) (interface{}, error)

type Config struct {
	Topic    models.Topic
	SourceID string
	// Bidirectional replies to each request: on its destination when set,
	// on the topic's producer stream otherwise.
	Bidirectional bool
	Membership    Membership
	Block         time.Duration

	// Filter is a CEL expression; envelopes it rejects are skipped.
	Filter string
	// DedupWindow remembers that many processed message ids and skips
	// repeats.
	DedupWindow int
	// ReclaimIdle makes a group member claim entries pending longer than
	// this; zero disables reclaiming. While it is set, a failed handler
	// sends no error reply since the entry will be processed again.
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
}

type Consumer struct {
	cfg     Config
	channel stream.Channel
	logger  logger.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	filter *cel.Filter
	seen   *lru.Cache[string, struct{}]

	cursor      string
	lastReclaim time.Time
}

func New(cfg Config, channel stream.Channel, log logger.Logger) (*Consumer, error) {
	if cfg.Membership == nil {
		cfg.Membership = Standalone{}
	}
	if cfg.Block <= 0 {
		cfg.Block = constants.DefaultBlockTimeout
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = constants.DefaultReclaimInterval
	}
	if log == nil {
		log = logger.NopLogger()
	}

	c := &Consumer{
		cfg:      cfg,
		channel:  channel,
		logger:   log.Named("consumer").With("stream", cfg.Topic.ConsumerKey()),
		handlers: make(map[string]HandlerFunc),
	}

	if cfg.Filter != "" {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return nil, err
		}
		filter, err := evaluator.CompileFilter(cfg.Filter)
		if err != nil {
			return nil, apperrors.ErrValidation.WithCause(err).WithDetail("field", "consumer.filter")
		}
		c.filter = filter
	}

	if cfg.DedupWindow > 0 {
		seen, err := lru.New[string, struct{}](cfg.DedupWindow)
		if err != nil {
			return nil, apperrors.ErrValidation.WithCause(err).WithDetail("field", "consumer.dedup_window")
		}
		c.seen = seen
	}

	return c, nil
}

func (c *Consumer) Config() Config {
	return c.cfg
}

// RegisterHandler binds msgType to fn, replacing any earlier binding.
func (c *Consumer) RegisterHandler(msgType string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = fn
}

// DeregisterHandler reports whether a handler was bound.
func (c *Consumer) DeregisterHandler(msgType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[msgType]
	delete(c.handlers, msgType)
	return ok
}

func (c *Consumer) handler(msgType string) (HandlerFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.handlers[msgType]
	return fn, ok
}

// Process runs the handler for env and wraps its result in a response
// envelope carrying the same message id. An unknown type yields an
// UNHANDLED_MESSAGE_TYPE error value; a panicking handler yields an
// internal error.
func (c *Consumer) Process(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	fn, ok := c.handler(env.Type)
	if !ok {
		err := apperrors.ErrUnhandledMessageType.
			WithDetail("message_type", env.Type).
			WithDetail("message_id", env.ID)
		c.logger.WarnwCtx(ctx, "No handler for message type", "type", env.Type)
		metrics.IncConsumerMessage(env.Type, "unhandled")
		return models.Envelope{}, err
	}

	start := time.Now()
	result, err := invoke(ctx, fn, env)
	metrics.ObserveConsumerProcessing(env.Type, time.Since(start))
	if err != nil {
		metrics.IncConsumerMessage(env.Type, "failed")
		return models.Envelope{}, err
	}

	metrics.IncConsumerMessage(env.Type, "success")
	return env.Reply(constants.MessageTypeResponse, c.cfg.SourceID, result), nil
}

func invoke(ctx context.Context, fn HandlerFunc, env models.Envelope) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = apperrors.RecoverPanic(r)
		}
	}()
	return fn(ctx, env)
}

// Run pulls one entry at a time and handles it before pulling the next.
// Bad entries and failing handlers are logged and skipped; a transport
// failure ends Run.
func (c *Consumer) Run(ctx context.Context) error {
	key := c.cfg.Topic.ConsumerKey()

	if s, ok := c.cfg.Membership.(Standalone); ok {
		c.cursor = s.StartCursor
		if c.cursor == "" || c.cursor == "$" {
			latest, err := c.channel.LatestID(ctx, key)
			if err != nil {
				return err
			}
			c.cursor = latest
		}
	}

	c.logger.InfowCtx(ctx, "Started consuming", "bidirectional", c.cfg.Bidirectional)
	c.lastReclaim = time.Now()

	for {
		if err := ctx.Err(); err != nil {
			c.logger.InfowCtx(ctx, "Stopped consuming", "reason", "context canceled")
			return err
		}

		if err := c.reclaim(ctx); err != nil {
			return c.stop(ctx, err)
		}

		batch, err := c.pull(ctx, key)
		if err != nil {
			return c.stop(ctx, err)
		}

		if err := c.handleBatch(ctx, batch); err != nil {
			return c.stop(ctx, err)
		}
	}
}

func (c *Consumer) stop(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.logger.InfowCtx(ctx, "Stopped consuming", "reason", "context canceled")
		return ctx.Err()
	}
	c.logger.ErrorwCtx(ctx, "Consumer stopped on transport failure", "error", err)
	return err
}

func (c *Consumer) pull(ctx context.Context, key string) (stream.Batch, error) {
	switch m := c.cfg.Membership.(type) {
	case GroupMember:
		return c.channel.ReadBatchAsGroup(ctx, key, m.Group, m.Member, 1, c.cfg.Block)
	default:
		batch, err := c.channel.ReadBatch(ctx, key, c.cursor, 1, c.cfg.Block)
		if err == nil && batch.Cursor != "" {
			c.cursor = batch.Cursor
		}
		return batch, err
	}
}

func (c *Consumer) reclaims() bool {
	_, ok := c.cfg.Membership.(GroupMember)
	return ok && c.cfg.ReclaimIdle > 0
}

// reclaim claims entries another member left pending for too long.
func (c *Consumer) reclaim(ctx context.Context) error {
	m, ok := c.cfg.Membership.(GroupMember)
	if !ok || c.cfg.ReclaimIdle <= 0 || time.Since(c.lastReclaim) < c.cfg.ReclaimInterval {
		return nil
	}
	c.lastReclaim = time.Now()

	batch, err := c.channel.Claim(ctx, c.cfg.Topic.ConsumerKey(), m.Group, m.Member, c.cfg.ReclaimIdle, stream.CursorBeginning, constants.DefaultBatchSize)
	if err != nil {
		return err
	}
	if !batch.Empty() {
		metrics.AddGroupReclaimed(m.Group, len(batch.Entries)+len(batch.Rejected))
		c.logger.InfowCtx(ctx, "Reclaimed stale entries", "group", m.Group, "member", m.Member, "count", len(batch.Entries))
	}
	return c.handleBatch(ctx, batch)
}

func (c *Consumer) handleBatch(ctx context.Context, batch stream.Batch) error {
	for _, rej := range batch.Rejected {
		c.logger.WarnwCtx(ctx, "Skipped malformed entry", "entry_id", rej.EntryID, "error", rej.Err)
		metrics.IncConsumerMessage("", "malformed")
		if err := c.acknowledge(ctx, rej.EntryID); err != nil {
			return err
		}
	}
	for _, env := range batch.Entries {
		if err := c.handle(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

// handle processes one envelope. Only transport failures are returned.
func (c *Consumer) handle(ctx context.Context, env models.Envelope) error {
	ctx, span := tracing.StartSpanFromEnvelope(ctx, "consumer.process", env)
	defer span.End()
	ctx = logging.WithMessageID(ctx, env.ID)
	if m, ok := c.cfg.Membership.(GroupMember); ok {
		ctx = logging.WithMemberID(ctx, m.Member)
	}

	if c.seen != nil && c.seen.Contains(env.ID) {
		c.logger.DebugwCtx(ctx, "Skipped duplicate message")
		metrics.IncConsumerMessage(env.Type, "duplicate")
		return c.acknowledge(ctx, env.EntryID)
	}

	if c.filter != nil {
		match, err := c.filter.Match(ctx, env)
		if err != nil {
			c.logger.WarnwCtx(ctx, "Filter evaluation failed, skipping message", "error", err, "filter", c.filter.String())
		}
		if err != nil || !match {
			metrics.IncConsumerMessage(env.Type, "filtered")
			return c.acknowledge(ctx, env.EntryID)
		}
	}

	resp, err := c.Process(ctx, env)
	if err != nil {
		if !apperrors.IsUnhandledMessageType(err) {
			c.logger.ErrorwCtx(ctx, "Handler failed", "type", env.Type, "error", err)
		}
		unhandled := apperrors.IsUnhandledMessageType(err)
		// a reclaimed entry answers on its retry; one reply per message id
		if c.cfg.Bidirectional && (unhandled || !c.reclaims()) {
			if replyErr := c.reply(ctx, env, errorReply(env, c.cfg.SourceID, err)); replyErr != nil {
				return replyErr
			}
		}
		// failed handlers stay pending for reclaim
		if unhandled {
			return c.acknowledge(ctx, env.EntryID)
		}
		return nil
	}

	if c.cfg.Bidirectional {
		if err := c.reply(ctx, env, resp); err != nil {
			return err
		}
	}
	if c.seen != nil {
		c.seen.Add(env.ID, struct{}{})
	}
	return c.acknowledge(ctx, env.EntryID)
}

func (c *Consumer) reply(ctx context.Context, req, resp models.Envelope) error {
	target := req.Destination
	if target == "" {
		target = c.cfg.Topic.ProducerKey()
	}
	resp = tracing.InjectEnvelope(ctx, resp)
	if _, err := c.channel.Append(ctx, target, resp); err != nil {
		return err
	}
	c.logger.DebugwCtx(ctx, "Replied", "stream", target, "type", resp.Type)
	return nil
}

func (c *Consumer) acknowledge(ctx context.Context, entryID string) error {
	m, ok := c.cfg.Membership.(GroupMember)
	if !ok || !m.Acknowledge || entryID == "" {
		return nil
	}
	return c.channel.Acknowledge(ctx, c.cfg.Topic.ConsumerKey(), m.Group, entryID)
}

func errorReply(req models.Envelope, sourceID string, err error) models.Envelope {
	code := apperrors.ErrInternal.Code
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
	}
	return req.Reply(constants.MessageTypeError, sourceID, map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

// Handlers returns a copy of the current type bindings.
func (c *Consumer) Handlers() map[string]HandlerFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]HandlerFunc, len(c.handlers))
	for k, v := range c.handlers {
		out[k] = v
	}
	return out
}

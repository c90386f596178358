package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"conduit/internal/logger"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
)

// RedisChannel implements Channel on Redis Streams.
type RedisChannel struct {
	client redis.UniversalClient
	maxLen int64
	logger logger.Logger
}

var _ Channel = (*RedisChannel)(nil)

// NewRedisChannel wraps client. A positive maxLen trims streams
// approximately on every append.
func NewRedisChannel(client redis.UniversalClient, maxLen int64, log logger.Logger) *RedisChannel {
	if log == nil {
		log = logger.NopLogger()
	}
	return &RedisChannel{
		client: client,
		maxLen: maxLen,
		logger: log,
	}
}

func (c *RedisChannel) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, redis.Nil) {
		status = "error"
	}
	metrics.ObserveStreamCommand(op, status, time.Since(start))
}

func (c *RedisChannel) Append(ctx context.Context, stream string, env models.Envelope) (string, error) {
	record, err := models.Encode(env)
	if err != nil {
		metrics.IncStreamAppended(stream, "rejected")
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: record.Values(),
	}
	if c.maxLen > 0 {
		args.MaxLen = c.maxLen
		args.Approx = true
	}

	start := time.Now()
	id, err := c.client.XAdd(ctx, args).Result()
	c.observe("XADD", start, err)
	if err != nil {
		metrics.IncStreamAppended(stream, "error")
		return "", apperrors.Transport("XADD", stream, shardOf(stream), err)
	}

	metrics.IncStreamAppended(stream, "success")
	return id, nil
}

func (c *RedisChannel) LatestID(ctx context.Context, stream string) (string, error) {
	start := time.Now()
	msgs, err := c.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	c.observe("XREVRANGE", start, err)
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", apperrors.Transport("XREVRANGE", stream, shardOf(stream), err)
	}
	if len(msgs) == 0 {
		return CursorBeginning, nil
	}
	return msgs[0].ID, nil
}

func (c *RedisChannel) ReadBatch(ctx context.Context, stream, cursor string, count int64, block time.Duration) (Batch, error) {
	if cursor == "" || cursor == CursorLatest {
		latest, err := c.LatestID(ctx, stream)
		if err != nil {
			return Batch{}, err
		}
		cursor = latest
	}

	start := time.Now()
	res, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, cursor},
		Count:   count,
		Block:   blockArg(block),
	}).Result()
	c.observe("XREAD", start, err)

	if errors.Is(err, redis.Nil) {
		return Batch{Cursor: cursor}, nil
	}
	if err != nil {
		return Batch{}, apperrors.Transport("XREAD", stream, shardOf(stream), err)
	}

	batch := Batch{Cursor: cursor}
	for _, s := range res {
		c.decodeInto(&batch, s.Stream, s.Messages)
	}
	return batch, nil
}

func (c *RedisChannel) ReadStreams(ctx context.Context, cursors map[string]string, count int64, block time.Duration) (MultiBatch, error) {
	out := MultiBatch{Cursors: make(map[string]string, len(cursors))}
	if len(cursors) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(cursors))
	ids := make([]string, 0, len(cursors))
	for stream, cursor := range cursors {
		out.Cursors[stream] = cursor
		keys = append(keys, stream)
		ids = append(ids, cursor)
	}

	start := time.Now()
	res, err := c.client.XRead(ctx, &redis.XReadArgs{
		Streams: append(keys, ids...),
		Count:   count,
		Block:   blockArg(block),
	}).Result()
	c.observe("XREAD", start, err)

	if errors.Is(err, redis.Nil) {
		return out, nil
	}
	if err != nil {
		return MultiBatch{}, apperrors.Transport("XREAD", strings.Join(keys, ","), "", err)
	}

	for _, s := range res {
		var batch Batch
		c.decodeInto(&batch, s.Stream, s.Messages)
		if batch.Cursor != "" {
			out.Cursors[s.Stream] = batch.Cursor
		}
		out.Entries = append(out.Entries, batch.Entries...)
		out.Rejected = append(out.Rejected, batch.Rejected...)
	}
	return out, nil
}

func (c *RedisChannel) CreateGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = CursorLatest
	}

	began := time.Now()
	err := c.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	c.observe("XGROUP CREATE", began, err)
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return apperrors.ErrGroupExists.WithCause(err).
			WithDetail("stream", stream).
			WithDetail("group", group)
	}
	return apperrors.Transport("XGROUP CREATE", stream, shardOf(stream), err)
}

func (c *RedisChannel) CreateMember(ctx context.Context, stream, group, member string) error {
	start := time.Now()
	err := c.client.XGroupCreateConsumer(ctx, stream, group, member).Err()
	c.observe("XGROUP CREATECONSUMER", start, err)
	if err != nil {
		return apperrors.Transport("XGROUP CREATECONSUMER", stream, shardOf(stream), err)
	}
	return nil
}

func (c *RedisChannel) ReadBatchAsGroup(ctx context.Context, stream, group, member string, count int64, block time.Duration) (Batch, error) {
	start := time.Now()
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: member,
		Streams:  []string{stream, CursorNew},
		Count:    count,
		Block:    blockArg(block),
	}).Result()
	c.observe("XREADGROUP", start, err)

	if errors.Is(err, redis.Nil) {
		return Batch{}, nil
	}
	if err != nil {
		return Batch{}, apperrors.Transport("XREADGROUP", stream, shardOf(stream), err)
	}

	var batch Batch
	for _, s := range res {
		c.decodeInto(&batch, s.Stream, s.Messages)
	}
	return batch, nil
}

func (c *RedisChannel) Acknowledge(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	err := c.client.XAck(ctx, stream, group, ids...).Err()
	c.observe("XACK", start, err)
	if err != nil {
		return apperrors.Transport("XACK", stream, shardOf(stream), err)
	}
	return nil
}

// Claim transfers entries pending longer than minIdle to member. The
// returned batch cursor is where the next scan should start; "0-0" means
// the scan wrapped around.
func (c *RedisChannel) Claim(ctx context.Context, stream, group, member string, minIdle time.Duration, start string, count int64) (Batch, error) {
	if start == "" {
		start = CursorBeginning
	}

	began := time.Now()
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: member,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	c.observe("XAUTOCLAIM", began, err)
	if err != nil && !errors.Is(err, redis.Nil) {
		return Batch{}, apperrors.Transport("XAUTOCLAIM", stream, shardOf(stream), err)
	}

	var batch Batch
	c.decodeInto(&batch, stream, msgs)
	batch.Cursor = next
	return batch, nil
}

func (c *RedisChannel) Members(ctx context.Context, stream, group string) ([]MemberInfo, error) {
	start := time.Now()
	consumers, err := c.client.XInfoConsumers(ctx, stream, group).Result()
	c.observe("XINFO CONSUMERS", start, err)
	if err != nil {
		return nil, apperrors.Transport("XINFO CONSUMERS", stream, shardOf(stream), err)
	}

	members := make([]MemberInfo, 0, len(consumers))
	for _, consumer := range consumers {
		members = append(members, MemberInfo{
			Name:    consumer.Name,
			Pending: consumer.Pending,
			Idle:    consumer.Idle,
		})
	}
	return members, nil
}

// RemoveMember deletes member from the group and returns how many pending
// entries it still owned.
func (c *RedisChannel) RemoveMember(ctx context.Context, stream, group, member string) (int64, error) {
	start := time.Now()
	pending, err := c.client.XGroupDelConsumer(ctx, stream, group, member).Result()
	c.observe("XGROUP DELCONSUMER", start, err)
	if err != nil {
		return 0, apperrors.Transport("XGROUP DELCONSUMER", stream, shardOf(stream), err)
	}
	return pending, nil
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}

// decodeInto appends decoded messages to batch and advances its cursor past
// every message, decodable or not.
func (c *RedisChannel) decodeInto(batch *Batch, stream string, msgs []redis.XMessage) {
	for _, msg := range msgs {
		batch.Cursor = msg.ID

		env, err := models.DecodeValues(msg.ID, stream, msg.Values)
		if err != nil {
			c.logger.Warnw("Rejected malformed stream entry",
				"stream", stream,
				"entry_id", msg.ID,
				"error", err,
			)
			metrics.IncStreamRejected(stream)
			batch.Rejected = append(batch.Rejected, Rejection{Stream: stream, EntryID: msg.ID, Err: err})
			continue
		}
		batch.Entries = append(batch.Entries, env)
	}
	metrics.AddStreamRead(stream, len(msgs))
}

// blockArg maps a caller block duration onto XReadArgs.Block, where a
// negative value omits BLOCK and zero would block forever.
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

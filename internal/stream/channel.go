// Package stream moves envelopes in and out of append-only streams.
//
// A Channel is a thin typed layer over the store's stream commands. It never
// retries and never swallows a store failure: every failed call surfaces as a
// TRANSPORT_ERROR carrying the operation, stream and shard it targeted.
package stream

import (
	"context"
	"time"

	"conduit/pkg/models"
)

const (
	// CursorLatest asks for entries appended after the call. ReadBatch
	// resolves it to a concrete id so the next call continues from there.
	CursorLatest = "$"
	// CursorBeginning reads a stream from its first entry.
	CursorBeginning = "0-0"
	// CursorNew asks a group read for entries never delivered to the group.
	CursorNew = ">"
)

// Rejection is an entry that was read but could not be decoded. The cursor
// still moves past it.
type Rejection struct {
	Stream  string
	EntryID string
	Err     error
}

// Batch is the result of one single-stream read.
type Batch struct {
	// Cursor is the id of the last entry consumed, or the unchanged input
	// cursor when nothing arrived.
	Cursor   string
	Entries  []models.Envelope
	Rejected []Rejection
}

func (b Batch) Empty() bool {
	return len(b.Entries) == 0 && len(b.Rejected) == 0
}

// MultiBatch is the result of one multi-stream read. Entries keep per-stream
// order; there is no order across streams.
type MultiBatch struct {
	Cursors  map[string]string
	Entries  []models.Envelope
	Rejected []Rejection
}

// MemberInfo describes one member of a consumer group.
type MemberInfo struct {
	Name    string
	Pending int64
	Idle    time.Duration
}

// Channel is the transport seen by the awaiter, consumers and group members.
// A block of zero or less makes reads return immediately.
type Channel interface {
	Append(ctx context.Context, stream string, env models.Envelope) (string, error)
	ReadBatch(ctx context.Context, stream, cursor string, count int64, block time.Duration) (Batch, error)
	ReadStreams(ctx context.Context, cursors map[string]string, count int64, block time.Duration) (MultiBatch, error)
	LatestID(ctx context.Context, stream string) (string, error)

	CreateGroup(ctx context.Context, stream, group, start string) error
	CreateMember(ctx context.Context, stream, group, member string) error
	ReadBatchAsGroup(ctx context.Context, stream, group, member string, count int64, block time.Duration) (Batch, error)
	Acknowledge(ctx context.Context, stream, group string, ids ...string) error
	Claim(ctx context.Context, stream, group, member string, minIdle time.Duration, start string, count int64) (Batch, error)
	Members(ctx context.Context, stream, group string) ([]MemberInfo, error)
	RemoveMember(ctx context.Context, stream, group, member string) (int64, error)

	Close() error
}

// shardOf extracts the shard from a stream key for error details. Keys that
// do not follow the topic layout have no shard.
func shardOf(stream string) string {
	topic, _, err := models.ParseStreamKey(stream)
	if err != nil {
		return ""
	}
	return topic.Shard()
}

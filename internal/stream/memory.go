package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	apperrors "conduit/pkg/errors"
	"conduit/pkg/models"
)

// MemoryChannel is an in-process Channel with Redis Streams semantics:
// monotonic entry ids, blocking reads, consumer groups with a pending list.
// Tests across the module run against it.
type MemoryChannel struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string]*memStream
	changed chan struct{}
	closed  bool

	// FailOn, when set, is consulted before every operation; a non-nil
	// result is returned as a transport error.
	FailOn func(op, stream string) error
}

type memEntry struct {
	id     string
	record models.Record
}

type memPending struct {
	member    string
	delivered time.Time
}

type memGroup struct {
	lastDelivered string
	pending       map[string]*memPending
	members       map[string]time.Time
}

type memStream struct {
	entries []memEntry
	groups  map[string]*memGroup
}

var _ Channel = (*MemoryChannel)(nil)

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		streams: make(map[string]*memStream),
		changed: make(chan struct{}),
	}
}

func (m *MemoryChannel) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		m.streams[name] = s
	}
	return s
}

func (m *MemoryChannel) fail(op, stream string) error {
	if m.closed {
		return apperrors.Transport(op, stream, shardOf(stream), errors.New("channel closed"))
	}
	if m.FailOn == nil {
		return nil
	}
	if err := m.FailOn(op, stream); err != nil {
		return apperrors.Transport(op, stream, shardOf(stream), err)
	}
	return nil
}

// notifyLocked wakes every blocked reader. Callers hold m.mu.
func (m *MemoryChannel) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *MemoryChannel) Append(ctx context.Context, stream string, env models.Envelope) (string, error) {
	record, err := models.Encode(env)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XADD", stream); err != nil {
		return "", err
	}

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	s := m.stream(stream)
	s.entries = append(s.entries, memEntry{id: id, record: record})
	m.notifyLocked()
	return id, nil
}

// Len returns the number of entries in stream.
func (m *MemoryChannel) Len(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[stream]; ok {
		return len(s.entries)
	}
	return 0
}

// Entries decodes every entry in stream, skipping malformed ones.
func (m *MemoryChannel) Entries(stream string) []models.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil
	}
	out := make([]models.Envelope, 0, len(s.entries))
	for _, e := range s.entries {
		if env, err := models.Decode(e.record, stream); err == nil {
			env.EntryID = e.id
			out = append(out, env)
		}
	}
	return out
}

// AppendRaw stores record without encoding it, for feeding malformed data.
func (m *MemoryChannel) AppendRaw(stream string, record models.Record) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	s := m.stream(stream)
	s.entries = append(s.entries, memEntry{id: id, record: record})
	m.notifyLocked()
	return id
}

func (m *MemoryChannel) LatestID(ctx context.Context, stream string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XREVRANGE", stream); err != nil {
		return "", err
	}
	return m.latestLocked(stream), nil
}

func (m *MemoryChannel) latestLocked(stream string) string {
	s, ok := m.streams[stream]
	if !ok || len(s.entries) == 0 {
		return CursorBeginning
	}
	return s.entries[len(s.entries)-1].id
}

// wait blocks until the channel changes, block elapses or ctx is done. It
// reports whether the caller should look again.
func (m *MemoryChannel) wait(ctx context.Context, changed <-chan struct{}, deadline time.Time) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-changed:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *MemoryChannel) ReadBatch(ctx context.Context, stream, cursor string, count int64, block time.Duration) (Batch, error) {
	m.mu.Lock()
	if cursor == "" || cursor == CursorLatest {
		if err := m.fail("XREVRANGE", stream); err != nil {
			m.mu.Unlock()
			return Batch{}, err
		}
		cursor = m.latestLocked(stream)
	}
	m.mu.Unlock()

	res, err := m.ReadStreams(ctx, map[string]string{stream: cursor}, count, block)
	if err != nil {
		return Batch{}, err
	}
	return Batch{Cursor: res.Cursors[stream], Entries: res.Entries, Rejected: res.Rejected}, nil
}

func (m *MemoryChannel) ReadStreams(ctx context.Context, cursors map[string]string, count int64, block time.Duration) (MultiBatch, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		for stream := range cursors {
			if err := m.fail("XREAD", stream); err != nil {
				m.mu.Unlock()
				return MultiBatch{}, err
			}
		}

		out := MultiBatch{Cursors: make(map[string]string, len(cursors))}
		found := false
		for stream, cursor := range cursors {
			out.Cursors[stream] = cursor
			s, ok := m.streams[stream]
			if !ok {
				continue
			}
			var batch Batch
			for _, e := range s.entries {
				if compareIDs(e.id, cursor) <= 0 {
					continue
				}
				if count > 0 && int64(len(batch.Entries)+len(batch.Rejected)) >= count {
					break
				}
				decodeEntry(&batch, stream, e)
			}
			if batch.Cursor != "" {
				out.Cursors[stream] = batch.Cursor
				out.Entries = append(out.Entries, batch.Entries...)
				out.Rejected = append(out.Rejected, batch.Rejected...)
				found = true
			}
		}
		changed := m.changed
		m.mu.Unlock()

		if found {
			return out, nil
		}
		again, err := m.wait(ctx, changed, deadline)
		if err != nil {
			return MultiBatch{}, err
		}
		if !again {
			return out, nil
		}
	}
}

func (m *MemoryChannel) CreateGroup(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XGROUP CREATE", stream); err != nil {
		return err
	}

	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return apperrors.ErrGroupExists.WithDetail("stream", stream).WithDetail("group", group)
	}
	if start == "" || start == CursorLatest {
		start = m.latestLocked(stream)
	}
	s.groups[group] = &memGroup{
		lastDelivered: start,
		pending:       make(map[string]*memPending),
		members:       make(map[string]time.Time),
	}
	return nil
}

func (m *MemoryChannel) groupLocked(op, stream, group string) (*memStream, *memGroup, error) {
	s, ok := m.streams[stream]
	if ok {
		if g, ok := s.groups[group]; ok {
			return s, g, nil
		}
	}
	return nil, nil, apperrors.Transport(op, stream, shardOf(stream),
		fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", stream, group))
}

func (m *MemoryChannel) CreateMember(ctx context.Context, stream, group, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XGROUP CREATECONSUMER", stream); err != nil {
		return err
	}
	_, g, err := m.groupLocked("XGROUP CREATECONSUMER", stream, group)
	if err != nil {
		return err
	}
	if _, ok := g.members[member]; !ok {
		g.members[member] = time.Now()
	}
	return nil
}

func (m *MemoryChannel) ReadBatchAsGroup(ctx context.Context, stream, group, member string, count int64, block time.Duration) (Batch, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		if err := m.fail("XREADGROUP", stream); err != nil {
			m.mu.Unlock()
			return Batch{}, err
		}
		s, g, err := m.groupLocked("XREADGROUP", stream, group)
		if err != nil {
			m.mu.Unlock()
			return Batch{}, err
		}

		now := time.Now()
		g.members[member] = now

		var batch Batch
		for _, e := range s.entries {
			if compareIDs(e.id, g.lastDelivered) <= 0 {
				continue
			}
			if count > 0 && int64(len(batch.Entries)+len(batch.Rejected)) >= count {
				break
			}
			g.lastDelivered = e.id
			g.pending[e.id] = &memPending{member: member, delivered: now}
			decodeEntry(&batch, stream, e)
		}
		changed := m.changed
		m.mu.Unlock()

		if !batch.Empty() {
			return batch, nil
		}
		again, err := m.wait(ctx, changed, deadline)
		if err != nil {
			return Batch{}, err
		}
		if !again {
			return batch, nil
		}
	}
}

func (m *MemoryChannel) Acknowledge(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XACK", stream); err != nil {
		return err
	}
	_, g, err := m.groupLocked("XACK", stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (m *MemoryChannel) Pending(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, g, err := m.groupLocked("XPENDING", stream, group)
	if err != nil {
		return 0
	}
	return len(g.pending)
}

func (m *MemoryChannel) Claim(ctx context.Context, stream, group, member string, minIdle time.Duration, start string, count int64) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XAUTOCLAIM", stream); err != nil {
		return Batch{}, err
	}
	s, g, err := m.groupLocked("XAUTOCLAIM", stream, group)
	if err != nil {
		return Batch{}, err
	}
	if start == "" {
		start = CursorBeginning
	}

	now := time.Now()
	g.members[member] = now

	var batch Batch
	for _, e := range s.entries {
		if compareIDs(e.id, start) < 0 {
			continue
		}
		p, ok := g.pending[e.id]
		if !ok || now.Sub(p.delivered) < minIdle {
			continue
		}
		if count > 0 && int64(len(batch.Entries)+len(batch.Rejected)) >= count {
			break
		}
		p.member = member
		p.delivered = now
		decodeEntry(&batch, stream, e)
	}
	batch.Cursor = CursorBeginning
	return batch, nil
}

func (m *MemoryChannel) Members(ctx context.Context, stream, group string) ([]MemberInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XINFO CONSUMERS", stream); err != nil {
		return nil, err
	}
	_, g, err := m.groupLocked("XINFO CONSUMERS", stream, group)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	members := make([]MemberInfo, 0, len(g.members))
	for name, seen := range g.members {
		info := MemberInfo{Name: name, Idle: now.Sub(seen)}
		for _, p := range g.pending {
			if p.member == name {
				info.Pending++
			}
		}
		members = append(members, info)
	}
	return members, nil
}

// Touch marks member as active without reading, for idle-time tests.
func (m *MemoryChannel) Touch(stream, group, member string, seen time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, g, err := m.groupLocked("", stream, group); err == nil {
		g.members[member] = seen
	}
}

func (m *MemoryChannel) RemoveMember(ctx context.Context, stream, group, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("XGROUP DELCONSUMER", stream); err != nil {
		return 0, err
	}
	_, g, err := m.groupLocked("XGROUP DELCONSUMER", stream, group)
	if err != nil {
		return 0, err
	}

	var pending int64
	for id, p := range g.pending {
		if p.member == member {
			delete(g.pending, id)
			pending++
		}
	}
	delete(g.members, member)
	return pending, nil
}

func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.notifyLocked()
	}
	return nil
}

func decodeEntry(batch *Batch, stream string, e memEntry) {
	batch.Cursor = e.id
	env, err := models.Decode(e.record, stream)
	if err != nil {
		batch.Rejected = append(batch.Rejected, Rejection{Stream: stream, EntryID: e.id, Err: err})
		return
	}
	env.EntryID = e.id
	batch.Entries = append(batch.Entries, env)
}

// compareIDs orders two "<ms>-<seq>" entry ids.
func compareIDs(a, b string) int {
	am, as := splitID(a)
	bm, bs := splitID(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func splitID(id string) (uint64, uint64) {
	msPart, seqPart, _ := strings.Cut(id, "-")
	ms, _ := strconv.ParseUint(msPart, 10, 64)
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return ms, seq
}

// Package correlation matches asynchronous responses to the requests that
// are waiting for them.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"conduit/internal/constants"
	"conduit/internal/logger"
	apperrors "conduit/pkg/errors"
	"conduit/pkg/metrics"
)

// Tracker holds one entry per correlation id. An entry is created either by
// a waiter (Await) or by a response that arrived first (a placeholder). Every
// entry settles exactly once and is removed when it settles; placeholders
// nobody claims are dropped after twice the timeout.
//
// A waiter that times out leaves a tombstone for twice the timeout so a late
// response for that id is dropped instead of becoming a placeholder.
type Tracker struct {
	mu         sync.Mutex
	timeout    time.Duration
	clock      clock.Clock
	logger     logger.Logger
	entries    map[string]*entry
	tombstones map[string]*clock.Timer
	closed     bool
}

type entry struct {
	id      string
	done    chan struct{}
	value   interface{}
	err     error
	settled bool
	waiting bool
	timer   *clock.Timer
}

type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

func WithLogger(log logger.Logger) Option {
	return func(t *Tracker) {
		t.logger = log
	}
}

// NewTracker creates a tracker; a non-positive timeout selects the default.
func NewTracker(timeout time.Duration, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = constants.DefaultCorrelationTimeout
	}
	t := &Tracker{
		timeout:    timeout,
		clock:      clock.New(),
		logger:     logger.NopLogger(),
		entries:    make(map[string]*entry),
		tombstones: make(map[string]*clock.Timer),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// Future is the waiting side of one correlation id.
type Future struct {
	id string
	e  *entry
	t  *Tracker
}

func (f *Future) ID() string {
	return f.id
}

// Done is closed once the future has settled.
func (f *Future) Done() <-chan struct{} {
	return f.e.done
}

// Wait blocks until the entry settles. If ctx ends first the entry is
// cancelled, so a response arriving afterwards has no effect.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.e.done:
	case <-ctx.Done():
		f.t.Cancel(f.id, ctx.Err().Error())
		<-f.e.done
	}
	return f.e.value, f.e.err
}

// Await registers interest in id and returns its future. A placeholder left
// by an earlier response settles the future immediately. Awaiting an id that
// is already awaited returns the same future.
func (t *Tracker) Await(id string) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		if !e.waiting {
			// placeholder: consumed now
			e.waiting = true
			t.stopTimer(e)
			delete(t.entries, id)
			t.updateGauge()
		}
		return &Future{id: id, e: e, t: t}
	}

	e := &entry{id: id, done: make(chan struct{}), waiting: true}
	if t.closed {
		t.settle(e, nil, apperrors.ErrCorrelationCancelled.WithDetail("reason", "tracker closed"), "cancelled")
		return &Future{id: id, e: e, t: t}
	}

	if tomb, ok := t.tombstones[id]; ok {
		tomb.Stop()
		delete(t.tombstones, id)
	}

	e.timer = t.clock.AfterFunc(t.timeout, func() { t.expire(e) })
	t.entries[id] = e
	t.updateGauge()
	return &Future{id: id, e: e, t: t}
}

// Resolve settles id with value. It reports whether the value was accepted:
// false means the id already settled, timed out, or the tracker is closed.
func (t *Tracker) Resolve(id string, value interface{}) bool {
	return t.complete(id, value, nil, "resolved")
}

// Reject settles id with err under the same rules as Resolve.
func (t *Tracker) Reject(id string, err error) bool {
	return t.complete(id, nil, err, "rejected")
}

func (t *Tracker) complete(id string, value interface{}, err error, outcome string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if _, dead := t.tombstones[id]; dead {
		t.logger.Debugw("Dropped late response", "message_id", id)
		metrics.IncTrackerSettled("late")
		return false
	}

	e, ok := t.entries[id]
	if !ok {
		e = &entry{id: id, done: make(chan struct{})}
		t.settle(e, value, err, outcome)
		e.timer = t.clock.AfterFunc(2*t.timeout, func() { t.collect(e) })
		t.entries[id] = e
		t.updateGauge()
		return true
	}
	if e.settled {
		return false
	}

	t.stopTimer(e)
	t.settle(e, value, err, outcome)
	delete(t.entries, id)
	t.updateGauge()
	return true
}

// Cancel rejects a waiting id with CORRELATION_CANCELLED. It reports
// whether there was anything to cancel.
func (t *Tracker) Cancel(id, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || !e.waiting || e.settled {
		return false
	}
	t.stopTimer(e)
	t.settle(e, nil, apperrors.ErrCorrelationCancelled.WithDetail("reason", reason).WithDetail("message_id", id), "cancelled")
	delete(t.entries, id)
	t.updateGauge()
	return true
}

// Delete drops id. A waiter still pending is cancelled rather than left
// hanging.
func (t *Tracker) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	t.stopTimer(e)
	if !e.settled {
		t.settle(e, nil, apperrors.ErrCorrelationCancelled.WithDetail("reason", "deleted").WithDetail("message_id", id), "cancelled")
	}
	delete(t.entries, id)
	t.updateGauge()
}

// Len counts pending waiters and unclaimed placeholders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close cancels every pending waiter and drops all placeholders. Later
// Awaits settle immediately as cancelled.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true

	for id, e := range t.entries {
		t.stopTimer(e)
		if !e.settled {
			t.settle(e, nil, apperrors.ErrCorrelationCancelled.WithDetail("reason", "tracker closed").WithDetail("message_id", id), "cancelled")
		}
		delete(t.entries, id)
	}
	for id, tomb := range t.tombstones {
		tomb.Stop()
		delete(t.tombstones, id)
	}
	t.updateGauge()
}

func (t *Tracker) expire(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[e.id]; !ok || cur != e || e.settled {
		return
	}

	t.settle(e, nil, apperrors.ErrCorrelationTimeout.
		WithDetail("message_id", e.id).
		WithDetail("timeout", t.timeout.String()), "timeout")
	delete(t.entries, e.id)

	id := e.id
	var tomb *clock.Timer
	tomb = t.clock.AfterFunc(2*t.timeout, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.tombstones[id] == tomb {
			delete(t.tombstones, id)
		}
	})
	t.tombstones[id] = tomb
	t.updateGauge()

	t.logger.Debugw("Correlation timed out", "message_id", id, "timeout", t.timeout)
}

// collect drops a placeholder nobody awaited.
func (t *Tracker) collect(e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.entries[e.id]; !ok || cur != e || e.waiting {
		return
	}
	delete(t.entries, e.id)
	t.updateGauge()
	metrics.IncTrackerSettled("orphaned")
	t.logger.Debugw("Discarded unclaimed response", "message_id", e.id)
}

// settle records the outcome and releases waiters. Callers hold t.mu.
func (t *Tracker) settle(e *entry, value interface{}, err error, outcome string) {
	e.value = value
	e.err = err
	e.settled = true
	close(e.done)
	metrics.IncTrackerSettled(outcome)
}

func (t *Tracker) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (t *Tracker) updateGauge() {
	metrics.SetTrackerPending(len(t.entries))
}

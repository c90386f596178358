package stream

import (
	"context"
	"errors"
	"sort"
	"time"

	"conduit/internal/logger"
	"conduit/pkg/logging"
	"conduit/pkg/metrics"
	"conduit/pkg/models"
)

// ErrWatcherStopped is returned by registry calls once Run has exited.
var ErrWatcherStopped = errors.New("stream watcher stopped")

// EntryHandler receives entries read by a Watcher, in per-stream order. It
// runs on the Run goroutine: registry calls made with the ctx it was given
// (or one derived from it) apply immediately, while calls with an unrelated
// ctx would block forever.
type EntryHandler func(ctx context.Context, env models.Envelope)

type handlerCtxKey struct{}

type watchOpKind int

const (
	opAdd watchOpKind = iota
	opRemove
	opList
)

type watchOp struct {
	kind   watchOpKind
	stream string
	reply  chan watchReply
}

type watchReply struct {
	streams []string
	err     error
}

type readResult struct {
	batch MultiBatch
	err   error
}

// Watcher reads a changing set of streams with one blocking multi-stream
// read at a time. The registry is owned by the Run goroutine; AddStream and
// RemoveStream post to it. A registry change cancels the in-flight read and
// drops its result, so the next read starts from unchanged cursors.
type Watcher struct {
	channel Channel
	handler EntryHandler
	count   int64
	block   time.Duration
	logger  logger.Logger

	ops     chan watchOp
	stopped chan struct{}

	// owned by the Run goroutine
	cursors map[string]string
}

func NewWatcher(channel Channel, handler EntryHandler, count int64, block time.Duration, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Watcher{
		channel: channel,
		handler: handler,
		count:   count,
		block:   block,
		logger:  log.Named("watcher"),
		ops:     make(chan watchOp),
		stopped: make(chan struct{}),
	}
}

// AddStream registers stream starting from its latest entry. Adding a
// stream twice keeps the existing cursor.
func (w *Watcher) AddStream(ctx context.Context, stream string) error {
	_, err := w.post(ctx, watchOp{kind: opAdd, stream: stream})
	return err
}

// RemoveStream unregisters stream; it is not read again.
func (w *Watcher) RemoveStream(ctx context.Context, stream string) error {
	_, err := w.post(ctx, watchOp{kind: opRemove, stream: stream})
	return err
}

// Streams lists the registered streams in key order.
func (w *Watcher) Streams(ctx context.Context) ([]string, error) {
	return w.post(ctx, watchOp{kind: opList})
}

func (w *Watcher) post(ctx context.Context, op watchOp) ([]string, error) {
	op.reply = make(chan watchReply, 1)
	if owner, _ := ctx.Value(handlerCtxKey{}).(*Watcher); owner == w {
		w.apply(ctx, w.cursors, op)
		reply := <-op.reply
		return reply.streams, reply.err
	}
	select {
	case w.ops <- op:
	case <-w.stopped:
		return nil, ErrWatcherStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reply := <-op.reply
	return reply.streams, reply.err
}

// Run owns the registry until ctx is done or a read fails.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.stopped)

	cursors := make(map[string]string)
	w.cursors = cursors
	w.logger.InfowCtx(ctx, "Stream watcher started")

	for {
		if len(cursors) == 0 {
			select {
			case <-ctx.Done():
				w.logger.InfowCtx(ctx, "Stream watcher stopped", "reason", "context canceled")
				return ctx.Err()
			case op := <-w.ops:
				w.apply(ctx, cursors, op)
			}
			continue
		}

		readCtx, cancel := context.WithCancel(ctx)
		results := make(chan readResult, 1)
		snapshot := make(map[string]string, len(cursors))
		for k, v := range cursors {
			snapshot[k] = v
		}
		go func() {
			batch, err := w.channel.ReadStreams(readCtx, snapshot, w.count, w.block)
			results <- readResult{batch: batch, err: err}
		}()

		select {
		case <-ctx.Done():
			cancel()
			w.logger.InfowCtx(ctx, "Stream watcher stopped", "reason", "context canceled")
			return ctx.Err()

		case op := <-w.ops:
			cancel()
			w.apply(ctx, cursors, op)

		case res := <-results:
			cancel()
			if res.err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.ErrorwCtx(ctx, "Stream watcher read failed", "error", res.err, "streams", len(cursors))
				return res.err
			}
			for stream, cursor := range res.batch.Cursors {
				cursors[stream] = cursor
			}
			for _, rej := range res.batch.Rejected {
				w.logger.WarnwCtx(ctx, "Skipped malformed entry",
					"stream", rej.Stream,
					"entry_id", rej.EntryID,
					"error", rej.Err,
				)
			}
			hctx := context.WithValue(ctx, handlerCtxKey{}, w)
			for _, env := range res.batch.Entries {
				w.handler(logging.WithStream(hctx, env.Stream), env)
			}
		}
	}
}

func (w *Watcher) apply(ctx context.Context, cursors map[string]string, op watchOp) {
	var reply watchReply

	switch op.kind {
	case opAdd:
		if _, ok := cursors[op.stream]; !ok {
			latest, err := w.channel.LatestID(ctx, op.stream)
			if err != nil {
				reply.err = err
				break
			}
			cursors[op.stream] = latest
			w.logger.InfowCtx(ctx, "Watching stream", "stream", op.stream, "cursor", latest)
		}
	case opRemove:
		if _, ok := cursors[op.stream]; ok {
			delete(cursors, op.stream)
			w.logger.InfowCtx(ctx, "Stopped watching stream", "stream", op.stream)
		}
	case opList:
		reply.streams = make([]string, 0, len(cursors))
		for stream := range cursors {
			reply.streams = append(reply.streams, stream)
		}
		sort.Strings(reply.streams)
	}

	metrics.SetWatchedStreams(len(cursors))
	op.reply <- reply
}

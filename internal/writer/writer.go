// Package writer implements the async database writer: a single consumer
// goroutine that batches hot-path mutations into one transaction each.
// Request handling normally never waits on SQLite: a full queue applies
// brief back-pressure before anything is dropped, and only token rotation
// blocks on its commit acknowledgement so a rotated refresh token is
// durable before anyone uses it.
package writer

import (
	"context"
	"log/slog"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

const (
	drainTimeout = 30 * time.Second
	// enqueueWait bounds how long Enqueue pushes back on a full queue
	// before it gives up and drops the job.
	enqueueWait = 100 * time.Millisecond
)

// Store is the persistence interface consumed by the Writer.
type Store interface {
	Apply(ctx context.Context, jobs []relay.Job) error
}

// Writer buffers jobs and batch-commits them. A full queue pushes back on
// producers for a bounded moment; a job is dropped only when the consumer
// stays wedged past that, and drops are logged, never surfaced to clients.
type Writer struct {
	ch         chan relay.Job
	store      Store
	batchSize  int
	flushEvery time.Duration
}

// New creates a Writer backed by store.
func New(store Store, queueSize, batchSize int, flushEvery time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if batchSize <= 0 {
		batchSize = 64
	}
	if flushEvery <= 0 {
		flushEvery = 200 * time.Millisecond
	}
	return &Writer{
		ch:         make(chan relay.Job, queueSize),
		store:      store,
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// Name returns the worker identifier.
func (w *Writer) Name() string { return "db_writer" }

// QueueDepth returns the number of jobs waiting in the queue.
func (w *Writer) QueueDepth() int { return len(w.ch) }

// Enqueue adds a job to the queue. With capacity available it returns
// immediately; on a full queue it blocks up to enqueueWait for the consumer
// to catch up. Only past that is the job dropped, releasing any waiter with
// relay.ErrWriterFull.
func (w *Writer) Enqueue(j relay.Job) {
	select {
	case w.ch <- j:
		return
	default:
	}

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case w.ch <- j:
	case <-timer.C:
		slog.Warn("writer job dropped, queue full")
		notifyDone(j, relay.ErrWriterFull)
	}
}

// UpdateTokensSync enqueues a token rotation and blocks until the writer
// commits it (or ctx expires). Callers must not set j.Done themselves.
func (w *Writer) UpdateTokensSync(ctx context.Context, j relay.UpdateTokensJob) error {
	j.Done = make(chan error, 1)
	select {
	case w.ch <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes jobs until ctx is cancelled, then drains the queue.
// Batches close when they reach the batch size, when the flush ticker
// fires, or immediately when a job carries a commit acknowledgement.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	buf := make([]relay.Job, 0, w.batchSize)

	for {
		select {
		case j := <-w.ch:
			buf = append(buf, j)
			if len(buf) >= w.batchSize || hasDone(j) {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			w.drain(buf)
			return nil
		}
	}
}

// drain flushes buffered and queued jobs with a fresh timeout after shutdown.
func (w *Writer) drain(buf []relay.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case j := <-w.ch:
			buf = append(buf, j)
			if len(buf) >= w.batchSize {
				w.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				w.flush(ctx, buf)
			}
			return
		}
	}
}

func (w *Writer) flush(ctx context.Context, buf []relay.Job) {
	batch := make([]relay.Job, len(buf))
	copy(batch, buf)

	err := w.store.Apply(ctx, batch)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "writer flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
	for _, j := range batch {
		notifyDone(j, err)
	}
}

func hasDone(j relay.Job) bool {
	t, ok := j.(relay.UpdateTokensJob)
	return ok && t.Done != nil
}

func notifyDone(j relay.Job, err error) {
	if t, ok := j.(relay.UpdateTokensJob); ok && t.Done != nil {
		t.Done <- err
	}
}

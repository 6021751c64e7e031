package server

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// job is a unit of work for a tracker group.
type job func(ctx context.Context)

// worker serializes the jobs of one tracker group. Jobs run in post order on
// a single goroutine, so messages for the same group are applied in arrival
// order while distinct groups proceed concurrently.
type worker struct {
	inbox  chan job
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newWorker(size int, logger *slog.Logger) *worker {
	return &worker{
		inbox:  make(chan job, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// post queues j without blocking.
func (w *worker) post(j job) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrTrackerClosed
	}
	select {
	case w.inbox <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// stop rejects further posts. Jobs already queued still run.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case j := <-w.inbox:
			w.exec(ctx, j)
		case <-w.done:
			for {
				select {
				case j := <-w.inbox:
					w.exec(ctx, j)
				default:
					return
				}
			}
		}
	}
}

func (w *worker) exec(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("group job panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	j(ctx)
}

// Package workerpool runs CPU-bound work (Opus decode for VAD) off the
// event loop goroutine, on a small fixed-size set of workers fed by a
// bounded queue.
package workerpool

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Submit when the bounded queue has no room.
// Callers on the cadence-critical path should treat this as a transient
// error: skip the work for this tick rather than block.
var ErrQueueFull = errors.New("workerpool: queue full")

// Pool runs submitted functions on a fixed number of worker goroutines.
type Pool struct {
	queue  chan func()
	group  *errgroup.Group
	cancel context.CancelFunc
	log    *slog.Logger
}

// New starts a pool of size workers (minimum 1), each draining jobs from a
// queue of the given capacity, until ctx is canceled or Shutdown is called.
func New(ctx context.Context, size, queueCapacity int, log *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	p := &Pool{
		queue:  make(chan func(), queueCapacity),
		group:  group,
		cancel: cancel,
		log:    log.With("component", "workerpool"),
	}

	for i := 0; i < size; i++ {
		group.Go(func() error {
			p.worker(ctx)
			return nil
		})
	}

	return p
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			job()
		}
	}
}

// Submit enqueues fn for execution on a worker goroutine. It does not
// block: if the queue is full, it returns ErrQueueFull immediately rather
// than stalling the caller, matching the mixer's transient-error handling
// for lock contention and other momentary overload.
func (p *Pool) Submit(fn func()) error {
	select {
	case p.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting new work, lets queued jobs drain, and waits for
// all workers to exit.
func (p *Pool) Shutdown() {
	close(p.queue)
	if err := p.group.Wait(); err != nil {
		p.log.Error("worker exited with error", "error", err)
	}
	p.cancel()
}

package orders

import (
	"context"
	"sync"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

type hookJob struct {
	ctx context.Context
	ev  domain.OrderEvent
}

// hookDispatcher runs post-commit hooks off the request path. One goroutine
// drains the queue so hooks still see events in commit order.
type hookDispatcher struct {
	mu     sync.RWMutex
	closed bool
	queue  chan hookJob
	done   chan struct{}
}

func newHookDispatcher(size int, run func(context.Context, domain.OrderEvent)) *hookDispatcher {
	d := &hookDispatcher{
		queue: make(chan hookJob, size),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for job := range d.queue {
			run(job.ctx, job.ev)
		}
	}()
	return d
}

// enqueue reports false when the event was not queued, because the queue
// is full or the dispatcher is closed. The caller then runs the hooks itself.
func (d *hookDispatcher) enqueue(ctx context.Context, ev domain.OrderEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- hookJob{ctx: context.WithoutCancel(ctx), ev: ev}:
		return true
	default:
		return false
	}
}

// close stops accepting events and waits for the queued ones to finish.
func (d *hookDispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

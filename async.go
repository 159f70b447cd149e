package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Future tracks an event posted with PostAsync.
type Future struct {
	id    string
	event any
	done  chan struct{}

	mu   sync.Mutex
	errs []*HandlerInvocationError
}

func newFuture(id string, ev any) *Future {
	return &Future{id: id, event: ev, done: make(chan struct{})}
}

// ID returns the post ID, also available to handlers through ContextPostID.
func (f *Future) ID() string {
	return f.id
}

// Event returns the posted event.
func (f *Future) Event() any {
	return f.event
}

// Done is closed once every handler has run.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the dispatch completes or ctx is done. It returns the
// joined handler errors, or ctx.Err() if ctx finished first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors returns the handler failures collected so far.
func (f *Future) Errors() []*HandlerInvocationError {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*HandlerInvocationError, len(f.errs))
	copy(out, f.errs)
	return out
}

// Err joins all handler failures, or returns nil if every handler succeeded.
func (f *Future) Err() error {
	errs := f.Errors()
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, err := range errs {
		joined[i] = err
	}
	return errors.Join(joined...)
}

func (f *Future) collect(err *HandlerInvocationError) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

type asyncTask struct {
	ctx    context.Context
	event  any
	future *Future
}

// workerPool runs async dispatches. Each worker owns one queue, so events
// routed to the same worker are handled in posting order.
type workerPool struct {
	queues []chan *asyncTask
	quit   chan struct{}
	// group only tracks worker lifetimes; dispatch errors go to futures
	group  errgroup.Group
	mu     sync.RWMutex
	closed bool
}

// PostAsync queues ev for dispatch on a worker goroutine and returns
// immediately with a Future.
//
// Events implementing Keyed are routed by PartitionKey, so events with the
// same key are handled in posting order. Other events are spread across
// workers. PostAsync blocks while the chosen worker queue is full, until
// space frees up, ctx is done, or the bus closes.
//
// The handlers receive a context that keeps ctx's values but not its
// cancellation.
func (b *Bus) PostAsync(ctx context.Context, ev any) (*Future, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !b.Running() {
		return nil, ErrBusClosed
	}
	if err := checkEvent(ev); err != nil {
		return nil, err
	}

	p := b.workers()
	if p == nil {
		return nil, ErrBusClosed
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrBusClosed
	}

	task := &asyncTask{
		ctx:    context.WithoutCancel(ctx),
		event:  ev,
		future: newFuture(uuid.NewString(), ev),
	}
	queue := p.queues[b.route(ev, len(p.queues))]

	select {
	case queue <- task:
		return task.future, nil
	case <-p.quit:
		return nil, ErrBusClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Bus) route(ev any, n int) int {
	if k, ok := ev.(Keyed); ok {
		return b.opts.partitioner.Partition(k.PartitionKey(), n)
	}
	return b.roundRobin.Partition("", n)
}

// workers starts the pool on first use. It returns nil if the bus closed
// before the pool was started.
func (b *Bus) workers() *workerPool {
	b.poolOnce.Do(func() {
		p := &workerPool{
			queues: make([]chan *asyncTask, b.opts.workers),
			quit:   make(chan struct{}),
		}
		for i := range p.queues {
			queue := make(chan *asyncTask, b.opts.queueSize)
			p.queues[i] = queue
			p.group.Go(func() error {
				b.runWorker(queue, p.quit)
				return nil
			})
		}
		b.logger.Debug("started async workers", "workers", len(p.queues), "queue_size", b.opts.queueSize)
		b.pool.Store(p)
	})
	return b.pool.Load()
}

func (b *Bus) runWorker(queue chan *asyncTask, quit chan struct{}) {
	for {
		select {
		case task := <-queue:
			b.runTask(task)
		case <-quit:
			b.drain(queue)
			return
		}
	}
}

func (b *Bus) drain(queue chan *asyncTask) {
	for {
		select {
		case task := <-queue:
			b.runTask(task)
		default:
			return
		}
	}
}

func (b *Bus) runTask(task *asyncTask) {
	defer close(task.future.done)
	b.dispatch(task.ctx, task.event, task.future.id, task.future.collect)
}

// stop signals the workers, waits for them to drain their queues, then runs
// anything queued after a worker exited.
func (p *workerPool) stop(ctx context.Context, b *Bus) error {
	close(p.quit)

	// wait for in-flight PostAsync calls
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, queue := range p.queues {
		b.drain(queue)
	}
	return nil
}

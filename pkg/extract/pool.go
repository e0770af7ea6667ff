package extract

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool closed")

// Pool is a bounded set of reusable resources. At most size resources are
// checked out at once; idle ones are reused before new ones are created.
type Pool[T any] struct {
	slots   chan struct{}
	idle    chan T
	newFn   func(ctx context.Context) (T, error)
	closeFn func(T)

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool. closeFn may be nil.
func NewPool[T any](size int, newFn func(ctx context.Context) (T, error), closeFn func(T)) *Pool[T] {
	if size <= 0 {
		size = 1
	}
	return &Pool[T]{
		slots:   make(chan struct{}, size),
		idle:    make(chan T, size),
		newFn:   newFn,
		closeFn: closeFn,
	}
}

// Acquire blocks until a resource is available or ctx is done.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case v := <-p.idle:
		return v, nil
	default:
	}

	v, err := p.newFn(ctx)
	if err != nil {
		<-p.slots
		return zero, err
	}
	return v, nil
}

// Release returns a resource. Resources released after Close are closed.
func (p *Pool[T]) Release(v T) {
	defer func() { <-p.slots }()
	if p.isClosed() {
		p.discard(v)
		return
	}
	select {
	case p.idle <- v:
	default:
		p.discard(v)
	}
}

// With runs fn with an acquired resource and always releases it.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	v, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(v)
	return fn(v)
}

// Close discards idle resources and rejects further acquisitions.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case v := <-p.idle:
			p.discard(v)
		default:
			return
		}
	}
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[T]) discard(v T) {
	if p.closeFn != nil {
		p.closeFn(v)
	}
}

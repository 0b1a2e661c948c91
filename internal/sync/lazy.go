package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Lazy computes a value at most once per success.
//
// The first caller of Do starts f in its own goroutine; every concurrent
// caller waits for that same run. A caller whose context ends stops waiting
// but the run continues, so its result is kept for later callers. A failed
// run stores nothing: the next Do starts a new one.
//
// The zero value is ready to use. A Lazy must not be copied after first use.
type Lazy[T any] struct {
	mu   sync.Mutex
	done atomic.Bool
	val  T
	call *lazyCall[T]
}

type lazyCall[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Do returns the cached value, or runs f to produce it.
func (l *Lazy[T]) Do(ctx context.Context, f func() (T, error)) (T, error) {
	if l.done.Load() {
		return l.val, nil
	}

	l.mu.Lock()
	if l.done.Load() {
		v := l.val
		l.mu.Unlock()
		return v, nil
	}
	c := l.call
	if c == nil {
		c = &lazyCall[T]{done: make(chan struct{})}
		l.call = c
		go l.run(c, f)
	}
	l.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (l *Lazy[T]) run(c *lazyCall[T], f func() (T, error)) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("lazy: panic: %v", r)
			l.mu.Lock()
			l.call = nil
			l.mu.Unlock()
		}
	}()

	v, err := f()

	l.mu.Lock()
	c.val, c.err = v, err
	if err == nil {
		l.val = v
		l.done.Store(true)
	}
	l.call = nil
	l.mu.Unlock()
}

// Get returns the value if a run has succeeded.
func (l *Lazy[T]) Get() (T, bool) {
	if !l.done.Load() {
		var zero T
		return zero, false
	}
	return l.val, true
}

// Done reports whether a run has succeeded.
func (l *Lazy[T]) Done() bool {
	return l.done.Load()
}

// Pending reports whether a run is in flight.
func (l *Lazy[T]) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.call != nil
}

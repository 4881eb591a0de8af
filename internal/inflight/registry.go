// Package inflight deduplicates concurrent calls that share a key.
//
// The first caller for a key starts the resolver; every caller that arrives
// while it runs, or during a short linger period after it finished, receives
// the same value or error. The resolver runs on a context detached from the
// callers' cancellation, so one caller giving up never aborts shared work.
package inflight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

const DefaultLinger = 2 * time.Second

type Func[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done        chan struct{}
	val         T
	err         error
	subscribers int
	finished    bool
}

type Registry[T any] struct {
	linger time.Duration

	mu    sync.Mutex
	calls map[string]*call[T]
}

// New returns a registry whose finished entries stay visible for linger.
// linger <= 0 removes entries as soon as they complete.
func New[T any](linger time.Duration) *Registry[T] {
	return &Registry[T]{
		linger: linger,
		calls:  make(map[string]*call[T]),
	}
}

// Execute runs fn once per key across concurrent callers and returns its result.
// A caller whose ctx ends first gets ctx.Err(); fn keeps running for the rest.
func (r *Registry[T]) Execute(ctx context.Context, key string, fn Func[T]) (T, error) {
	r.mu.Lock()
	c, ok := r.calls[key]
	if ok {
		c.subscribers++
		if c.finished {
			observability.ObserveInflight("linger")
		} else {
			observability.ObserveInflight("shared")
		}
		r.mu.Unlock()
		return r.wait(ctx, key, c)
	}

	c = &call[T]{done: make(chan struct{}), subscribers: 1}
	r.calls[key] = c
	observability.ObserveInflight("leader")
	observability.SetInflightPending(r.pendingLocked())
	r.mu.Unlock()

	go r.run(context.WithoutCancel(ctx), key, c, fn)
	return r.wait(ctx, key, c)
}

func (r *Registry[T]) wait(ctx context.Context, key string, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		r.mu.Lock()
		if r.calls[key] == c && c.subscribers > 0 {
			c.subscribers--
		}
		r.mu.Unlock()
		var zero T
		return zero, ctx.Err()
	}
}

func (r *Registry[T]) run(ctx context.Context, key string, c *call[T], fn Func[T]) {
	val, err := safeCall(ctx, fn)

	r.mu.Lock()
	c.val, c.err = val, err
	c.finished = true
	close(c.done)
	if r.linger <= 0 {
		r.removeLocked(key, c)
	}
	observability.SetInflightPending(r.pendingLocked())
	r.mu.Unlock()

	if r.linger > 0 {
		time.AfterFunc(r.linger, func() {
			r.mu.Lock()
			r.removeLocked(key, c)
			r.mu.Unlock()
		})
	}
}

func safeCall[T any](ctx context.Context, fn Func[T]) (val T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("inflight: resolver panic: %v", rec)
		}
	}()
	return fn(ctx)
}

func (r *Registry[T]) removeLocked(key string, c *call[T]) {
	if r.calls[key] == c {
		delete(r.calls, key)
	}
}

func (r *Registry[T]) pendingLocked() int {
	n := 0
	for _, c := range r.calls {
		if !c.finished {
			n++
		}
	}
	return n
}

// Pending reports how many keys are still being resolved.
func (r *Registry[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// Subscribers reports the callers attached to key, 0 if none.
func (r *Registry[T]) Subscribers(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.calls[key]; ok {
		return c.subscribers
	}
	return 0
}

// ForgetFinished drops lingering results so the next call starts fresh.
// Calls still running are left alone.
func (r *Registry[T]) ForgetFinished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.calls {
		if c.finished {
			delete(r.calls, k)
		}
	}
}

// Package batcher coalesces independent calls issued within a short window
// and executes them together.
//
// A single goroutine owns the queue and the timer; Add only talks to it over
// a channel. Every addition pushes the flush deadline back by Window, but a
// batch never waits longer than MaxWait after its first addition. On flush
// each queued call runs in its own goroutine and its result goes back to its
// own caller only.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-shakir/viewport-cache/internal/core/observability"
)

var ErrClosed = errors.New("batcher: closed")

const DefaultWindow = 50 * time.Millisecond

type Func[T any] func(ctx context.Context) (T, error)

type Config struct {
	Window  time.Duration
	MaxWait time.Duration
	// OnFlush is called from the owner goroutine with the size of every batch.
	OnFlush func(size int)
	Logger  *slog.Logger
}

type result[T any] struct {
	val T
	err error
}

type request[T any] struct {
	ctx   context.Context
	key   string
	fn    Func[T]
	resCh chan result[T]
}

type Batcher[T any] struct {
	cfg Config
	log *slog.Logger

	addCh     chan request[T]
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New[T any](cfg Config) *Batcher[T] {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 4 * cfg.Window
	}
	if cfg.MaxWait < cfg.Window {
		cfg.MaxWait = cfg.Window
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Batcher[T]{
		cfg:     cfg,
		log:     cfg.Logger,
		addCh:   make(chan request[T]),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// Add queues fn for the next flush and waits for its own result.
func (b *Batcher[T]) Add(ctx context.Context, key string, fn Func[T]) (T, error) {
	var zero T
	req := request[T]{ctx: ctx, key: key, fn: fn, resCh: make(chan result[T], 1)}

	select {
	case b.addCh <- req:
	case <-b.closeCh:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case r := <-req.resCh:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Close flushes whatever is queued and stops the owner goroutine.
func (b *Batcher[T]) Close() {
	b.closeOnce.Do(func() { close(b.closeCh) })
	<-b.done
}

func (b *Batcher[T]) loop() {
	defer close(b.done)

	var (
		queue     []request[T]
		first     time.Time
		timer     *time.Timer
		timerC    <-chan time.Time
		stopTimer = func() {
			if timer != nil {
				timer.Stop()
			}
			timer, timerC = nil, nil
		}
	)

	flush := func() {
		if len(queue) == 0 {
			return
		}
		batch := queue
		queue = nil
		stopTimer()
		b.execute(batch, time.Since(first))
	}

	for {
		select {
		case req := <-b.addCh:
			now := time.Now()
			if len(queue) == 0 {
				first = now
			}
			queue = append(queue, req)

			deadline := now.Add(b.cfg.Window)
			if hard := first.Add(b.cfg.MaxWait); hard.Before(deadline) {
				deadline = hard
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(deadline))
			timerC = timer.C

		case <-timerC:
			flush()

		case <-b.closeCh:
			flush()
			return
		}
	}
}

func (b *Batcher[T]) execute(batch []request[T], waited time.Duration) {
	observability.ObserveBatchFlush(len(batch), waited.Seconds())
	if b.cfg.OnFlush != nil {
		b.cfg.OnFlush(len(batch))
	}
	b.log.Debug("batch flush", "size", len(batch), "waited", waited)

	for _, req := range batch {
		go func() {
			if err := req.ctx.Err(); err != nil {
				// nobody is waiting any more
				req.resCh <- result[T]{err: err}
				return
			}
			val, err := safeCall(context.WithoutCancel(req.ctx), req.key, req.fn)
			req.resCh <- result[T]{val: val, err: err}
		}()
	}
}

func safeCall[T any](ctx context.Context, key string, fn Func[T]) (val T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("batcher: call %q panic: %v", key, rec)
		}
	}()
	return fn(ctx)
}

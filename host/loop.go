package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrLoopStopped is returned by Do once the loop has been stopped.
var ErrLoopStopped = errors.New("host: loop stopped")

// Loop is an Executor that drains an unbounded FIFO on a single goroutine.
// Submit never blocks. A panicking task is logged and the loop survives.
type Loop struct {
	logger  *zap.Logger
	wake    chan struct{}
	stopped chan struct{}
	queue   []func()
	spare   []func()
	mu      sync.Mutex
	stop    sync.Once
	closed  bool
}

// NewLoop creates a loop. Call Run to start processing.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = Logger()
	}
	return &Loop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (l *Loop) Submit(task func()) bool {
	if task == nil {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do submits fn and waits for it to finish. When Do returns an error, fn
// has not run and never will; once fn has started, Do waits for it.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	const (
		pending int32 = iota
		started
		abandoned
	)
	var state atomic.Int32
	done := make(chan struct{})
	if !l.Submit(func() {
		if !state.CompareAndSwap(pending, started) {
			return
		}
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}

	var err error
	select {
	case <-done:
		return nil
	case <-l.stopped:
		err = ErrLoopStopped
	case <-ctx.Done():
		err = ctx.Err()
	}
	if state.CompareAndSwap(pending, abandoned) {
		return err
	}
	<-done
	return nil
}

// Run processes tasks until ctx is done or Stop is called. Tasks already
// queued when Stop is called are still run.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.drain()

		select {
		case <-l.wake:
		case <-l.stopped:
			l.drain()
			return nil
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		}
	}
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = l.spare[:0]
		l.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for i, task := range batch {
			l.safeExecute(task)
			batch[i] = nil
		}

		l.mu.Lock()
		l.spare = batch
		l.mu.Unlock()
	}
}

func (l *Loop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Stop stops accepting tasks and lets Run return after draining.
func (l *Loop) Stop() {
	l.stop.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.stopped)
	})
}

// Done is closed once Stop has been called.
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopClosed is returned when work is submitted to a closed Loop.
var ErrLoopClosed = errors.New("chat: loop closed")

// Loop is a single-goroutine reactor. Every task posted to it runs on the
// same goroutine in FIFO order, so state touched only from tasks needs no
// locking. Blocking work runs on goroutines started with Go, which hand
// their results back as tasks.
//
// Tasks must not block and must not call Call on their own loop.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop starts a reactor goroutine.
func NewLoop() *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.run()
	return l
}

// Context is canceled when the loop closes.
func (l *Loop) Context() context.Context { return l.ctx }

// Done is closed once the reactor goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn. It reports false if the loop is closed and fn was dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	}
}

// Go runs work on a new goroutine with the loop context. A non-nil function
// returned by work is posted back to the loop; it is dropped if the loop has
// closed in the meantime. Go reports false if the loop is already closed.
func (l *Loop) Go(work func(ctx context.Context) func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.wg.Done()
		if next := work(l.ctx); next != nil {
			l.Post(next)
		}
	}()
	return true
}

// Close stops accepting work, cancels the loop context, runs the tasks that
// were already queued, and waits for every goroutine started with Go.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		l.wg.Wait()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	l.wg.Wait()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}
		if len(tasks) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

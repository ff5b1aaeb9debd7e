// Package evloop provides a single goroutine that runs queued closures in
// order. State owned by a loop is only touched from closures running on
// it, so it needs no locking; other goroutines reach it through Dispatch
// and Call.
package evloop

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pvaserver/internal/logger"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("evloop: loop closed")

type Loop struct {
	name string

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a loop goroutine.
func New(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) run() {
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.queue = l.queue, batch[:0]
		closed := l.closed
		l.mu.Unlock()

		for i, fn := range batch {
			l.exec(fn)
			batch[i] = nil
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-l.wake
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] panic in loop task: %v\n%s", l.name, r, debug.Stack())
		}
	}()
	fn()
}

// Dispatch queues fn to run on the loop and returns immediately. It
// reports false if the loop is closed and fn was dropped.
func (l *Loop) Dispatch(fn func()) bool {
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

// Call runs fn on the loop and waits for it to finish. A panic in fn is
// returned as an error. Call must not be used from the loop goroutine.
func (l *Loop) Call(fn func()) error {
	result := make(chan error, 1)
	ok := l.Dispatch(func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("evloop: panic: %v", r)
			}
		}()
		fn()
		result <- nil
	})
	if !ok {
		return ErrClosed
	}
	return <-result
}

// Sync waits until every closure queued before it has run.
func (l *Loop) Sync() error {
	return l.Call(func() {})
}

// Close stops accepting work. Closures already queued still run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Wait blocks until the loop goroutine has exited after Close.
func (l *Loop) Wait() {
	<-l.done
}

// Timer is a one-shot timer whose callback runs on the loop.
type Timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

// AfterFunc runs fn on the loop once d has elapsed, unless the timer is
// stopped first. Stopping from the loop goroutine is reliable even if the
// timer already fired and its closure is queued.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		l.Dispatch(func() {
			if !tm.stopped.Load() {
				fn()
			}
		})
	})
	return tm
}

func (tm *Timer) Stop() {
	if tm == nil {
		return
	}
	tm.stopped.Store(true)
	tm.t.Stop()
}

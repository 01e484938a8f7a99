// Package loop provides the single-threaded cooperative scheduler that all
// playback components run on. Components never lock their own state; instead
// every mutation happens inside a callback executed by a Loop.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Call when the loop is no longer running.
var ErrStopped = errors.New("loop stopped")

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Loop schedules callbacks on one logical thread of control.
type Loop interface {
	// Now returns the loop's current time.
	Now() time.Time
	// Post schedules fn to run on the loop as soon as possible.
	// Post is safe to call from any goroutine.
	Post(fn func())
	// After schedules fn to run on the loop once d has elapsed.
	After(d time.Duration, fn func()) Timer
}

// Real runs callbacks on a dedicated goroutine using wall-clock time.
// The task queue is unbounded so callbacks may post follow-up work without
// blocking the loop on itself.
type Real struct {
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	tasks   []func()
	stopped bool
}

// NewReal returns a loop that is ready to Run.
func NewReal() *Real {
	return &Real{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Now implements Loop.Now.
func (l *Real) Now() time.Time {
	return time.Now()
}

// Post implements Loop.Post. Tasks posted after the loop stopped are dropped.
func (l *Real) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// After implements Loop.After.
func (l *Real) After(d time.Duration, fn func()) Timer {
	t := &realTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.fire() {
				return
			}
			fn()
		})
	})
	return t
}

// Run executes posted tasks until ctx is cancelled.
func (l *Real) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.tasks = nil
		l.mu.Unlock()
		close(l.done)
	}()
	for {
		l.mu.Lock()
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return nil
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Call runs fn on the loop and waits for its result.
func (l *Real) Call(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.Post(func() { result <- fn() })
	select {
	case err := <-result:
		return err
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type realTimer struct {
	timer *time.Timer

	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (t *realTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

// fire marks the timer as fired unless it was stopped first.
func (t *realTimer) fire() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.fired = true
	return true
}

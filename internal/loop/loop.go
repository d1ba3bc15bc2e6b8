// Package loop provides the single-threaded cooperative scheduler the sandbox
// runs on. Every task posted to a Loop runs on the goroutine that drives it,
// one at a time, in the order posted.
package loop

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrStopped is returned by Sync and Call once the loop has stopped.
var ErrStopped = errors.New("loop stopped")

// TimerID identifies a recurring task created by Every.
type TimerID uint64

// Scheduler defers work to a later turn of the loop.
type Scheduler interface {
	// Post queues fn to run after the caller's current task finishes.
	Post(fn func())

	// Every runs fn on the loop once per interval until cancelled.
	Every(interval time.Duration, fn func()) TimerID

	// Cancel stops the timer. Ticks already queued for it are dropped.
	Cancel(id TimerID)
}

// Loop is a FIFO task queue drained by Run or RunPending.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	timers  map[TimerID]*timer
	nextID  TimerID
}

type timer struct {
	ticker *time.Ticker
	done   chan struct{}
}

// New creates an idle loop. Nothing runs until Run or RunPending is called.
func New() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		timers: make(map[TimerID]*timer),
		nextID: 1,
	}
}

// Post queues fn. It never runs fn inline.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Every starts a ticker whose ticks are posted onto the loop.
func (l *Loop) Every(interval time.Duration, fn func()) TimerID {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	t := &timer{
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
	l.timers[id] = t
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.done:
				return
			case <-t.ticker.C:
				l.Post(func() {
					if l.active(id) {
						fn()
					}
				})
			}
		}
	}()
	return id
}

// Cancel stops a timer created by Every. Unknown ids are ignored.
func (l *Loop) Cancel(id TimerID) {
	l.mu.Lock()
	t, ok := l.timers[id]
	delete(l.timers, id)
	l.mu.Unlock()

	if ok {
		t.ticker.Stop()
		close(t.done)
	}
}

// Timers returns the number of live timers.
func (l *Loop) Timers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) active(id TimerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[id]
	return ok
}

// RunPending runs the tasks queued so far, plus any they queue, until the
// queue is empty. It returns the number of tasks run. Call it only from the
// goroutine that owns the loop.
func (l *Loop) RunPending() int {
	count := 0
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return count
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		fn()
		count++
	}
}

// Run drives the loop until ctx is done or Stop is called. Either way the
// loop is stopped when Run returns.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.wake:
		}
	}
}

// Stop ends Run and cancels every timer.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	ids := make([]TimerID, 0, len(l.timers))
	for id := range l.timers {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.Cancel(id)
	}
	close(l.stop)
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Sync runs fn on the loop and waits for it. It must not be called from a
// task already running on the loop.
func (l *Loop) Sync(fn func() error) error {
	_, err := Call(l, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Call runs code on the loop and returns its result. It returns
// ErrStopped when the loop stops before code has run.
func Call[T any](l *Loop, code func() (T, error)) (T, error) {
	var zero T
	if l.Stopped() {
		return zero, ErrStopped
	}
	result := make(chan struct{})
	var value T
	var err error
	l.Post(func() {
		defer close(result)
		value, err = code()
	})
	select {
	case <-result:
		return value, err
	case <-l.stop:
		select {
		case <-result:
			return value, err
		default:
			return zero, ErrStopped
		}
	}
}

package loop

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostNeverRunsInline(t *testing.T) {
	l := New()
	var order []string

	l.Post(func() { order = append(order, "posted") })
	order = append(order, "caller")

	assert.Equal(t, 1, l.RunPending())
	assert.Equal(t, []string{"caller", "posted"}, order)
}

func TestRunPendingKeepsFIFOOrder(t *testing.T) {
	l := New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { order = append(order, i) })
	}
	l.Post(func() {
		l.Post(func() { order = append(order, 99) })
	})

	assert.Equal(t, 7, l.RunPending())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 99}, order)
}

func TestEveryAndCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var ticks atomic.Int32
	fired := make(chan struct{}, 16)
	id := l.Every(2*time.Millisecond, func() {
		ticks.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.Equal(t, 1, l.Timers())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	require.NoError(t, l.Sync(func() error {
		l.Cancel(id)
		return nil
	}))
	assert.Equal(t, 0, l.Timers())

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Sync(func() error { return nil }))
	assert.Equal(t, after, ticks.Load())
}

func TestCancelDropsQueuedTick(t *testing.T) {
	l := New()
	ran := false
	id := l.Every(time.Millisecond, func() { ran = true })

	// Let at least one tick queue up without draining it.
	deadline := time.Now().Add(time.Second)
	for {
		l.mu.Lock()
		queued := len(l.tasks)
		l.mu.Unlock()
		if queued > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	l.Cancel(id)
	l.RunPending()
	assert.False(t, ran)
}

func TestCallReturnsValue(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	v, err := Call(l, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestStopEndsRun(t *testing.T) {
	l := New()
	l.Every(time.Hour, func() {})
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	l.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.Equal(t, 0, l.Timers())
	l.Stop()
}

func TestCallAfterStop(t *testing.T) {
	l := New()
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.NoError(t, l.Sync(func() error { return nil }))

	l.Stop()
	<-done
	_, err := Call(l, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, l.Sync(func() error { return nil }), ErrStopped)
}

func TestCallUnblocksWhenLoopStops(t *testing.T) {
	l := New()
	errs := make(chan error, 1)
	go func() {
		_, err := Call(l, func() (int, error) { return 1, nil })
		errs <- err
	}()
	// Nothing drives the loop, so the call can only end by Stop.
	time.Sleep(10 * time.Millisecond)
	l.Stop()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("Call still blocked after Stop")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	l := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, l.Stopped())
}

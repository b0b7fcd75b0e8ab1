package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := NewLoop(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("loop did not stop")
		}
	})
	return loop, cancel
}

func TestPostRunsInOrder(t *testing.T) {
	loop, _ := startLoop(t)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		loop.Post(func() { order = append(order, i) })
	}

	// Invoke is queued behind the posts, so they have all run when it returns
	require.NoError(t, loop.Invoke(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestInvokeWaitsForCompletion(t *testing.T) {
	loop, _ := startLoop(t)

	value := 0
	err := loop.Invoke(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		value = 42
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestInvokeAfterStop(t *testing.T) {
	loop := NewLoop(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.NoError(t, loop.Invoke(context.Background(), func() {}))
	cancel()
	require.NoError(t, <-done)

	err := loop.Invoke(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrLoopStopped)

	// A stopped loop cannot be restarted
	assert.Error(t, loop.Run(context.Background()))
}

func TestInvokeContextCancelled(t *testing.T) {
	// Loop never runs, so the context decides
	loop := NewLoop(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := loop.Invoke(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunTwice(t *testing.T) {
	loop, _ := startLoop(t)

	assert.Eventually(t, func() bool {
		return loop.GetMetrics()["is_running"] == true
	}, time.Second, 5*time.Millisecond)

	err := loop.Run(context.Background())
	assert.Error(t, err)
}

func TestTimeoutAddRepeats(t *testing.T) {
	loop, _ := startLoop(t)

	var calls int64
	loop.TimeoutAdd(5*time.Millisecond, func() bool {
		atomic.AddInt64(&calls, 1)
		return true
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestTimeoutAddStopsOnFalse(t *testing.T) {
	loop, _ := startLoop(t)

	var calls int64
	loop.TimeoutAdd(2*time.Millisecond, func() bool {
		return atomic.AddInt64(&calls, 1) < 2
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) == 2
	}, time.Second, 2*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestTimeoutSourceRemove(t *testing.T) {
	loop, _ := startLoop(t)

	var calls int64
	src := loop.TimeoutAdd(2*time.Millisecond, func() bool {
		atomic.AddInt64(&calls, 1)
		return true
	})

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 1
	}, time.Second, 2*time.Millisecond)

	src.Remove()
	src.Remove()

	assert.Eventually(t, func() bool {
		return loop.GetMetrics()["sources"] == int64(0)
	}, time.Second, 2*time.Millisecond)

	stopped := atomic.LoadInt64(&calls)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt64(&calls))
}

func TestCallbacksNeverOverlap(t *testing.T) {
	loop, _ := startLoop(t)

	var active, maxActive, calls int64
	track := func() bool {
		n := atomic.AddInt64(&active, 1)
		if n > atomic.LoadInt64(&maxActive) {
			atomic.StoreInt64(&maxActive, n)
		}
		time.Sleep(3 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		atomic.AddInt64(&calls, 1)
		return true
	}

	loop.TimeoutAdd(time.Millisecond, track)
	loop.TimeoutAdd(time.Millisecond, track)
	for i := 0; i < 10; i++ {
		loop.Post(func() { track() })
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&calls) >= 20
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxActive))
}

func TestTimeoutAddDuringStop(t *testing.T) {
	loop := NewLoop(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	adding := make(chan struct{})
	go func() {
		defer close(adding)
		for i := 0; i < 200; i++ {
			loop.TimeoutAdd(time.Millisecond, func() bool { return true })
		}
	}()

	time.Sleep(time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	<-adding

	// Sources added after the stop never start, the rest have exited
	assert.Eventually(t, func() bool {
		return loop.GetMetrics()["sources"].(int64) == 0
	}, time.Second, 5*time.Millisecond)
}

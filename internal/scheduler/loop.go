// Package scheduler provides the single-threaded event loop that drives polling and
// inbound bus writes.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrLoopStopped is returned when work is handed to a loop that has stopped.
var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs posted functions and timer callbacks one at a time on a single goroutine.
// Everything dispatched through the loop can mutate shared state without further locking.
type Loop struct {
	logger   zerolog.Logger
	mutex    sync.Mutex
	pending  []func()
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup

	isRunning bool
	stopped   bool

	// Metrics
	dispatched int64
	sources    int64
}

// NewLoop creates a new event loop.
func NewLoop(logger zerolog.Logger) *Loop {
	return &Loop{
		logger:   logger.With().Str("component", "event_loop").Logger(),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Run dispatches work until ctx is cancelled. It can only be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mutex.Lock()
	if l.isRunning || l.stopped {
		l.mutex.Unlock()
		return errors.New("event loop is already running")
	}
	l.isRunning = true
	l.mutex.Unlock()

	l.logger.Info().Msg("Event loop started")

	defer func() {
		l.mutex.Lock()
		l.isRunning = false
		l.stopped = true
		l.pending = nil
		l.mutex.Unlock()

		close(l.stopChan)
		l.wg.Wait()
		l.logger.Info().Msg("Event loop stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
			l.drain(ctx)
		}
	}
}

// drain runs everything queued so far, in order.
func (l *Loop) drain(ctx context.Context) {
	l.mutex.Lock()
	batch := l.pending
	l.pending = nil
	l.mutex.Unlock()

	for _, fn := range batch {
		if ctx.Err() != nil {
			return
		}
		atomic.AddInt64(&l.dispatched, 1)
		fn()
	}
}

// Post queues fn to run on the loop. It never blocks.
func (l *Loop) Post(fn func()) {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Invoke runs fn on the loop and waits for it to finish. It must not be called from
// a function that is itself running on the loop.
func (l *Loop) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-l.stopChan:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Source is a recurring timer registered with TimeoutAdd.
type Source struct {
	cancel chan struct{}
	once   sync.Once
}

// Remove stops the timer. Safe to call more than once.
func (s *Source) Remove() {
	s.once.Do(func() { close(s.cancel) })
}

// TimeoutAdd calls fn on the loop every interval until fn returns false, the source
// is removed or the loop stops. The next interval starts when fn returns, so slow
// callbacks never overlap.
func (l *Loop) TimeoutAdd(interval time.Duration, fn func() bool) *Source {
	src := &Source{cancel: make(chan struct{})}

	// Add under the lock so Run's Wait never sees a zero count while a source starts
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return src
	}
	l.wg.Add(1)
	l.mutex.Unlock()

	atomic.AddInt64(&l.sources, 1)
	go func() {
		defer l.wg.Done()
		defer atomic.AddInt64(&l.sources, -1)

		timer := time.NewTimer(interval)
		defer timer.Stop()

		for {
			select {
			case <-l.stopChan:
				return
			case <-src.cancel:
				return
			case <-timer.C:
			}

			result := make(chan bool, 1)
			l.Post(func() { result <- fn() })

			select {
			case keep := <-result:
				if !keep {
					l.logger.Debug().Dur("interval", interval).Msg("Timeout source finished")
					return
				}
			case <-l.stopChan:
				return
			}

			timer.Reset(interval)
		}
	}()

	l.logger.Debug().Dur("interval", interval).Msg("Timeout source added")
	return src
}

// GetMetrics returns current loop metrics.
func (l *Loop) GetMetrics() map[string]interface{} {
	l.mutex.Lock()
	running := l.isRunning
	queued := len(l.pending)
	l.mutex.Unlock()

	return map[string]interface{}{
		"is_running": running,
		"queued":     queued,
		"dispatched": atomic.LoadInt64(&l.dispatched),
		"sources":    atomic.LoadInt64(&l.sources),
	}
}

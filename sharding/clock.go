package sharding

import (
	"sync"
	"time"
)

// Clock is the monotonic time source used throughout the passivation
// engine. Production code uses RealClock; tests use FakeClock so idle
// sweeps and handoff timeouts can be exercised without sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules fn to run once after d has elapsed, returning a
	// handle that can cancel the scheduled call. Mirrors time.AfterFunc.
	AfterFunc(d time.Duration, fn func()) Timer

	// Ticker returns a ticker firing fn every d until stopped. Mirrors
	// the time.NewTicker loop used by gateway/shard.go's heartbeat.
	Ticker(d time.Duration, fn func()) Timer
}

// Timer is a cancellation handle for a scheduled callback.
type Timer interface {
	// Stop cancels the timer. Stopping an already-fired or already-stopped
	// timer is a no-op.
	Stop()
}

// RealClock is the production Clock backed by the standard library.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc delegates to time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

// Ticker delegates to time.NewTicker and runs fn on every tick in its own
// goroutine until Stop is called.
func (RealClock) Ticker(d time.Duration, fn func()) Timer {
	ticker := time.NewTicker(d)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return &realTicker{ticker: ticker, done: done}
}

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) Stop() { r.t.Stop() }

type realTicker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (r *realTicker) Stop() {
	r.once.Do(func() {
		r.ticker.Stop()
		close(r.done)
	})
}

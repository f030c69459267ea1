// Package scanloop runs background maintenance functions at a jittered
// cadence. Jitter keeps independent loops from synchronizing and hitting the
// single-writer store in lockstep.
package scanloop

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultMinInterval and DefaultJitterRange define the shared scan cadence.
	DefaultMinInterval = 13 * time.Second
	DefaultJitterRange = 4 * time.Second
)

// Run executes fn at a jittered interval until stopCh is closed.
// The interval is: minInterval + random([0, jitterRange)).
func Run(stopCh <-chan struct{}, minInterval, jitterRange time.Duration, fn func()) {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		interval := minInterval
		if jitterRange > 0 {
			interval += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(interval)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}

// Runner owns the lifecycle plumbing for a set of scan loops: one stop
// channel, one wait group, idempotent Stop.
type Runner struct {
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRunner creates a Runner ready to accept loops.
func NewRunner() *Runner {
	return &Runner{stopCh: make(chan struct{})}
}

// Go starts fn on the shared jittered cadence in its own goroutine.
func (r *Runner) Go(minInterval, jitterRange time.Duration, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		Run(r.stopCh, minInterval, jitterRange, fn)
	}()
}

// Stop signals every loop to stop and waits for them to finish. Safe to call
// more than once.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

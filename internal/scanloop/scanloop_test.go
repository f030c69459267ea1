package scanloop

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRun_StopsOnClose(t *testing.T) {
	stopCh := make(chan struct{})
	var calls atomic.Int64

	done := make(chan struct{})
	go func() {
		Run(stopCh, time.Millisecond, 0, func() { calls.Add(1) })
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(stopCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}
	if calls.Load() == 0 {
		t.Fatalf("fn never ran")
	}
}

func TestRunner_StopIsIdempotent(t *testing.T) {
	r := NewRunner()
	var calls atomic.Int64
	r.Go(time.Millisecond, 0, func() { calls.Add(1) })

	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()

	after := calls.Load()
	if after == 0 {
		t.Fatalf("loop never ran")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("loop kept running after Stop")
	}
}

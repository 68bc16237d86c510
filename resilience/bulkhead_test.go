package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestNewBulkhead_Default(t *testing.T) {
	if got := NewBulkhead(0).Metrics().MaxConcurrent; got != 10 {
		t.Errorf("MaxConcurrent = %d, want 10", got)
	}
}

func TestBulkhead_TryAcquireRelease(t *testing.T) {
	b := NewBulkhead(2)

	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("first two TryAcquire calls should succeed")
	}
	if b.TryAcquire() {
		t.Error("third TryAcquire should fail")
	}

	m := b.Metrics()
	if m.Active != 2 || m.Available != 0 || m.Rejected != 1 {
		t.Errorf("Metrics = %+v, want Active 2, Available 0, Rejected 1", m)
	}

	b.Release()
	if !b.TryAcquire() {
		t.Error("TryAcquire after Release should succeed")
	}
}

func TestBulkhead_ExecuteFull(t *testing.T) {
	b := NewBulkhead(1)
	_ = b.TryAcquire()

	err := b.Execute(context.Background(), succeed)
	if !errors.Is(err, ErrBulkheadFull) {
		t.Errorf("Execute() error = %v, want ErrBulkheadFull", err)
	}
}

func TestBulkhead_GoBoundsConcurrency(t *testing.T) {
	b := NewBulkhead(3)
	release := make(chan struct{})
	var running, peak atomic.Int64
	var mu sync.Mutex

	started := 0
	for i := 0; i < 10; i++ {
		ok := b.Go(func() {
			n := running.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			<-release
			running.Add(-1)
		})
		if ok {
			started++
		}
	}

	if started != 3 {
		t.Errorf("started = %d, want 3", started)
	}
	close(release)
	b.Wait()

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
	if m := b.Metrics(); m.Active != 0 || m.MaxActive != 3 {
		t.Errorf("Metrics after Wait = %+v, want Active 0, MaxActive 3", m)
	}
}

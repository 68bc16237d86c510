package resilience

import (
	"context"
	"sync"
)

// Bulkhead limits how many operations run at once. It is used to bound
// background work such as refreshes.
type Bulkhead struct {
	max int
	sem chan struct{}
	wg  sync.WaitGroup

	mu        sync.Mutex
	active    int
	maxActive int
	rejected  int64
}

// NewBulkhead creates a bulkhead admitting maxConcurrent operations.
// A value <= 0 means 10.
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bulkhead{
		max: maxConcurrent,
		sem: make(chan struct{}, maxConcurrent),
	}
}

// TryAcquire takes a slot without waiting.
func (b *Bulkhead) TryAcquire() bool {
	select {
	case b.sem <- struct{}{}:
		b.mu.Lock()
		b.active++
		b.maxActive = max(b.maxActive, b.active)
		b.mu.Unlock()
		return true
	default:
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return false
	}
}

// Release returns a slot taken by TryAcquire.
func (b *Bulkhead) Release() {
	select {
	case <-b.sem:
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	default:
	}
}

// Execute runs op if a slot is free and returns ErrBulkheadFull otherwise.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.TryAcquire() {
		return ErrBulkheadFull
	}
	defer b.Release()
	return op(ctx)
}

// Go runs fn in a new goroutine if a slot is free. It reports whether fn
// was started.
func (b *Bulkhead) Go(fn func()) bool {
	if !b.TryAcquire() {
		return false
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.Release()
		fn()
	}()
	return true
}

// Wait blocks until every goroutine started by Go has returned.
func (b *Bulkhead) Wait() {
	b.wg.Wait()
}

// Metrics returns current bulkhead metrics.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadMetrics{
		Active:        b.active,
		MaxActive:     b.maxActive,
		Available:     b.max - b.active,
		MaxConcurrent: b.max,
		Rejected:      b.rejected,
	}
}

// BulkheadMetrics contains bulkhead statistics.
type BulkheadMetrics struct {
	Active        int   `json:"active"`
	MaxActive     int   `json:"max_active"`
	Available     int   `json:"available"`
	MaxConcurrent int   `json:"max_concurrent"`
	Rejected      int64 `json:"rejected"`
}

// Package coalesce collapses concurrent fetches of the same key into one.
//
// Group.Wrap guarantees at most one in-flight fetch per key. Callers that
// arrive while a fetch is pending join it and observe the same value or
// error. Fetches run detached from any caller's cancellation and are bounded
// by Config.MaxDuration; a fetch that overruns is abandoned so later callers
// can start a new one.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCoalesceTimeout matches every TimeoutError.
	ErrCoalesceTimeout = errors.New("coalesce: fetch abandoned after timeout")

	// ErrPanic wraps the value recovered from a panicking factory.
	ErrPanic = errors.New("coalesce: fetch panicked")
)

// TimeoutError is delivered to waiters of an abandoned fetch.
type TimeoutError struct {
	Key     string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("coalesce: fetch for %q abandoned after %s", e.Key, e.Elapsed)
}

// Is matches ErrCoalesceTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrCoalesceTimeout }

// Func is a fetch factory. The context it receives is not cancelled by
// callers, only by abandonment.
type Func[T any] func(ctx context.Context) (T, error)

// Config configures a Group.
type Config struct {
	// MaxDuration bounds how long a fetch may stay pending before it is
	// abandoned.
	// Default: 30s
	MaxDuration time.Duration

	// Shards is the number of lock shards guarding pending fetches.
	// Default: 32
	Shards int

	// OnJoin runs when a caller joins an already-pending fetch.
	OnJoin func(key string)

	// OnAbandon runs when a fetch is abandoned.
	OnAbandon func(key string, elapsed time.Duration)
}

// DefaultMaxDuration is the abandonment bound used when Config.MaxDuration
// is zero.
const DefaultMaxDuration = 30 * time.Second

// Pending describes an in-flight fetch.
type Pending struct {
	Key         string
	ID          string
	Subscribers int
	StartedAt   time.Time
}

// Stats counts Group activity since creation.
type Stats struct {
	Started   int64 `json:"started"`
	Joined    int64 `json:"joined"`
	Abandoned int64 `json:"abandoned"`
	InFlight  int   `json:"in_flight"`
}

type call[T any] struct {
	id          string
	started     time.Time
	done        chan struct{}
	forgotten   atomic.Bool
	subscribers int
	settled     bool
	val         T
	err         error
}

type forgottenKey struct{}

// Forgotten reports whether the fetch running with ctx was detached by
// Forget or ForgetMatching. Factories use it to skip publishing a result
// that was invalidated while in flight.
func Forgotten(ctx context.Context) bool {
	f, ok := ctx.Value(forgottenKey{}).(*atomic.Bool)
	return ok && f.Load()
}

type shard[T any] struct {
	mu      sync.Mutex
	pending map[string]*call[T]
}

// Group coalesces fetches of values of type T.
type Group[T any] struct {
	cfg    Config
	shards []*shard[T]

	started   atomic.Int64
	joined    atomic.Int64
	abandoned atomic.Int64
}

// New creates a Group, applying defaults to zero config fields.
func New[T any](cfg Config) *Group[T] {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 32
	}
	g := &Group[T]{cfg: cfg, shards: make([]*shard[T], cfg.Shards)}
	for i := range g.shards {
		g.shards[i] = &shard[T]{pending: make(map[string]*call[T])}
	}
	return g
}

func (g *Group[T]) shardFor(key string) *shard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// Wrap returns the result of fn for key, running fn only if no fetch for
// key is pending. If ctx ends first, only this caller stops waiting and
// ctx.Err() is returned; the fetch continues for the other subscribers.
func (g *Group[T]) Wrap(ctx context.Context, key string, fn Func[T]) (T, error) {
	sh := g.shardFor(key)

	sh.mu.Lock()
	if c, ok := sh.pending[key]; ok {
		c.subscribers++
		sh.mu.Unlock()
		g.joined.Add(1)
		if g.cfg.OnJoin != nil {
			g.cfg.OnJoin(key)
		}
		return g.wait(ctx, sh, c)
	}
	c := &call[T]{
		id:          uuid.NewString(),
		started:     time.Now(),
		done:        make(chan struct{}),
		subscribers: 1,
	}
	sh.pending[key] = c
	sh.mu.Unlock()

	g.started.Add(1)
	go g.run(context.WithoutCancel(ctx), sh, key, c, fn)
	return g.wait(ctx, sh, c)
}

func (g *Group[T]) run(ctx context.Context, sh *shard[T], key string, c *call[T], fn Func[T]) {
	ctx = context.WithValue(ctx, forgottenKey{}, &c.forgotten)
	ctx, cancel := context.WithTimeout(ctx, g.cfg.MaxDuration)
	defer cancel()

	abandon := time.AfterFunc(g.cfg.MaxDuration, func() {
		var zero T
		elapsed := time.Since(c.started)
		if g.settle(sh, key, c, zero, &TimeoutError{Key: key, Elapsed: elapsed}) {
			g.abandoned.Add(1)
			if g.cfg.OnAbandon != nil {
				g.cfg.OnAbandon(key, elapsed)
			}
		}
	})
	defer abandon.Stop()

	val, err := g.invoke(ctx, fn)
	g.settle(sh, key, c, val, err)
}

func (g *Group[T]) invoke(ctx context.Context, fn Func[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx)
}

// settle records the outcome once and releases every waiter. It reports
// whether this call settled c.
func (g *Group[T]) settle(sh *shard[T], key string, c *call[T], val T, err error) bool {
	sh.mu.Lock()
	if c.settled {
		sh.mu.Unlock()
		return false
	}
	c.settled = true
	c.val, c.err = val, err
	if sh.pending[key] == c {
		delete(sh.pending, key)
	}
	sh.mu.Unlock()

	close(c.done)
	return true
}

func (g *Group[T]) wait(ctx context.Context, sh *shard[T], c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		sh.mu.Lock()
		c.subscribers--
		sh.mu.Unlock()
		var zero T
		return zero, ctx.Err()
	}
}

// Pending returns the in-flight fetch for key, if any.
func (g *Group[T]) Pending(key string) (Pending, bool) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.pending[key]
	if !ok {
		return Pending{}, false
	}
	return Pending{Key: key, ID: c.id, Subscribers: c.subscribers, StartedAt: c.started}, true
}

// InFlight returns the number of pending fetches.
func (g *Group[T]) InFlight() int {
	n := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		n += len(sh.pending)
		sh.mu.Unlock()
	}
	return n
}

// Forget detaches the pending fetch for key so the next Wrap starts a new
// one. Current subscribers still receive the detached fetch's result.
func (g *Group[T]) Forget(key string) {
	sh := g.shardFor(key)
	sh.mu.Lock()
	if c, ok := sh.pending[key]; ok {
		c.forgotten.Store(true)
		delete(sh.pending, key)
	}
	sh.mu.Unlock()
}

// ForgetMatching detaches every pending fetch whose key satisfies match
// and returns how many were detached.
func (g *Group[T]) ForgetMatching(match func(key string) bool) int {
	n := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		for key, c := range sh.pending {
			if match(key) {
				c.forgotten.Store(true)
				delete(sh.pending, key)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Stats returns activity counters.
func (g *Group[T]) Stats() Stats {
	return Stats{
		Started:   g.started.Load(),
		Joined:    g.joined.Load(),
		Abandoned: g.abandoned.Load(),
		InFlight:  g.InFlight(),
	}
}

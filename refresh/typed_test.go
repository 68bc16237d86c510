package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/toolcache/cache"
)

type balance struct {
	Account string `json:"account"`
	Cents   int64  `json:"cents"`
}

func TestGetAs_FetchesAndDecodes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var calls atomic.Int64
	fetch := func(context.Context) (balance, error) {
		calls.Add(1)
		return balance{Account: "acme", Cents: 4200}, nil
	}

	for i := 0; i < 2; i++ {
		got, err := GetAs(ctx, h.ctrl, cache.JSONCodec{}, "acme:billing.balance:1", time.Minute, fetch)
		if err != nil {
			t.Fatalf("GetAs error = %v", err)
		}
		if got != (balance{Account: "acme", Cents: 4200}) {
			t.Errorf("GetAs = %+v", got)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("fetch called %d times, want 1", calls.Load())
	}
}

func TestGetAs_CorruptEntryIsRefetched(t *testing.T) {
	var corrupt atomic.Int64
	h := newHarness(t, nil)
	h.store = cache.New(cache.Config{
		Now:   h.clock.Now,
		Hooks: cache.Hooks{OnCorrupt: func(string, error) { corrupt.Add(1) }},
	})
	h.ctrl = New(h.store, h.group, Config{Metrics: h.collector})
	ctx := context.Background()

	_ = h.store.Set(ctx, "acme:k", []byte("{not json"), time.Minute)

	got, err := GetAs(ctx, h.ctrl, cache.JSONCodec{}, "acme:k", time.Minute, func(context.Context) (balance, error) {
		return balance{Account: "acme", Cents: 1}, nil
	})
	if err != nil {
		t.Fatalf("GetAs error = %v, want corruption to degrade to a miss", err)
	}
	if got.Cents != 1 {
		t.Errorf("GetAs = %+v, want refetched value", got)
	}
	if corrupt.Load() != 1 {
		t.Errorf("OnCorrupt fired %d times, want 1", corrupt.Load())
	}
}

func TestGetAs_EncodeFailureIsSerializationError(t *testing.T) {
	h := newHarness(t, nil)

	_, err := GetAs(context.Background(), h.ctrl, cache.JSONCodec{}, "acme:k", time.Minute, func(context.Context) (chan int, error) {
		return make(chan int), nil
	})
	if !errors.Is(err, cache.ErrSerialization) {
		t.Errorf("error = %v, want ErrSerialization", err)
	}
}

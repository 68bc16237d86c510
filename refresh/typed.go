package refresh

import (
	"context"
	"time"

	"github.com/jonwraymond/toolcache/cache"
)

// GetAs is GetWithRefresh for typed values. Fetched values are encoded with
// codec before storage. A cached value that fails to decode is discarded
// and fetched again, so corruption surfaces as a miss.
func GetAs[T any](ctx context.Context, c *Controller, codec cache.Codec, key string, ttl time.Duration, fetch func(context.Context) (T, error), opts ...Option) (T, error) {
	var zero T
	encoded := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return cache.Encode(codec, key, v)
	}

	data, err := c.GetWithRefresh(ctx, key, ttl, encoded, opts...)
	if err != nil {
		return zero, err
	}
	v, err := cache.Decode[T](codec, key, data)
	if err == nil {
		return v, nil
	}

	c.store.Discard(ctx, key, err)
	data, err = c.GetWithRefresh(ctx, key, ttl, encoded, opts...)
	if err != nil {
		return zero, err
	}
	return cache.Decode[T](codec, key, data)
}

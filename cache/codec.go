package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSerialization matches every SerializationError.
var ErrSerialization = errors.New("cache: serialization failed")

// Codec converts values to and from stored bytes.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: Unmarshal must fail rather than partially decode garbage where
// the format allows detecting it.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes values as JSON.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// GobCodec encodes values with encoding/gob.
type GobCodec struct{}

// Name returns "gob".
func (GobCodec) Name() string { return "gob" }

// Marshal encodes v with gob.
func (GobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes gob data into v.
func (GobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// SerializationError reports a value that could not be encoded or decoded.
type SerializationError struct {
	Key   string
	Codec string
	Op    string
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache: %s %s %q: %v", e.Codec, e.Op, e.Key, e.Err)
}

// Unwrap returns the codec error.
func (e *SerializationError) Unwrap() error { return e.Err }

// Is matches ErrSerialization.
func (e *SerializationError) Is(target error) bool { return target == ErrSerialization }

// Encode marshals v with codec, wrapping failures in a SerializationError.
func Encode(codec Codec, key string, v any) ([]byte, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Key: key, Codec: codec.Name(), Op: "encode", Err: err}
	}
	return data, nil
}

// Decode unmarshals data into a T, wrapping failures in a SerializationError.
func Decode[T any](codec Codec, key string, data []byte) (T, error) {
	var v T
	if err := codec.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, &SerializationError{Key: key, Codec: codec.Name(), Op: "decode", Err: err}
	}
	return v, nil
}

// Typed is a typed view over a Store.
//
// A stored value that fails to decode is treated as a miss: the entry is
// discarded and the failure is reported through Hooks.OnCorrupt.
type Typed[T any] struct {
	store *Store
	codec Codec
}

// NewTyped creates a typed view using codec. A nil codec selects JSONCodec.
func NewTyped[T any](store *Store, codec Codec) *Typed[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Typed[T]{store: store, codec: codec}
}

// Get returns the decoded fresh value for key.
func (t *Typed[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	data, ok := t.store.Get(ctx, key)
	if !ok {
		return zero, false
	}
	v, err := Decode[T](t.codec, key, data)
	if err != nil {
		t.store.Discard(ctx, key, err)
		return zero, false
	}
	return v, true
}

// Set encodes v and stores it.
func (t *Typed[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) error {
	data, err := Encode(t.codec, key, v)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, key, data, ttl)
}

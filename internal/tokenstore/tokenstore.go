// Package tokenstore holds short-lived keyed values such as pairing and
// claim tokens. Pop is the only safe way to consume a one-shot token: it
// reads and deletes in a single atomic step.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("token not found")

// Store is a TTL-keyed map. Values are JSON documents. A ttl <= 0 means the
// entry never expires.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value, evicting it if it has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Pop atomically reads and deletes the value. Of several concurrent
	// callers on one key at most one observes ok == true.
	Pop(ctx context.Context, key string) ([]byte, bool, error)
	// Update atomically replaces the value with fn(value), keeping the
	// remaining TTL. It returns ErrNotFound for missing or expired keys and
	// leaves the value untouched when fn fails.
	Update(ctx context.Context, key string, fn func(value []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error
	// Cleanup eagerly removes expired entries and reports how many it removed.
	Cleanup(ctx context.Context) (int, error)
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, data, ttl)
}

func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func PopJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var out T
	data, ok, err := s.Pop(ctx, key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

func UpdateJSON[T any](ctx context.Context, s Store, key string, fn func(v *T) error) error {
	return s.Update(ctx, key, func(value []byte) ([]byte, error) {
		var v T
		if err := json.Unmarshal(value, &v); err != nil {
			return nil, err
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}

package tokenstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"dropshelf-server/internal/store"
)

type item struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expiresAt,omitempty"` // unix millis, 0 = never
}

func (it item) expired(now time.Time) bool {
	return it.ExpiresAt != 0 && it.ExpiresAt <= now.UnixMilli()
}

type items map[string]item

// FileStore keeps every token in memory and mirrors the whole map to one
// JSON file. A single lock serializes all operations.
type FileStore struct {
	doc *store.Document[items]
	now func() time.Time
}

type FileOptions struct {
	// Path of the backing file; empty keeps tokens in memory only.
	Path   string
	Logger *slog.Logger
	Now    func() time.Time
}

// NewFileStore opens the token file. A missing or corrupt file yields an
// empty store: losing ephemeral tokens is acceptable.
func NewFileStore(opts FileOptions) (*FileStore, error) {
	doc, err := store.Open(store.Options{Path: opts.Path, Lenient: true, Logger: opts.Logger}, func() items {
		return make(items)
	})
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &FileStore{doc: doc, now: now}, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	it := item{Value: json.RawMessage(append([]byte(nil), value...))}
	if ttl > 0 {
		it.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	return s.doc.Update(func(m *items) error {
		sweep(*m, now)
		(*m)[key] = it
		return nil
	})
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	var (
		it      item
		ok      bool
		expired bool
	)
	s.doc.View(func(m *items) {
		it, ok = (*m)[key]
		expired = ok && it.expired(now)
	})
	if !ok {
		return nil, false, nil
	}
	if expired {
		err := s.doc.Update(func(m *items) error {
			cur, ok := (*m)[key]
			if !ok || !cur.expired(now) {
				return store.ErrNoChange
			}
			delete(*m, key)
			return nil
		})
		return nil, false, err
	}
	return append([]byte(nil), it.Value...), true, nil
}

func (s *FileStore) Pop(_ context.Context, key string) ([]byte, bool, error) {
	now := s.now()
	var (
		out []byte
		ok  bool
	)
	err := s.doc.Update(func(m *items) error {
		it, exists := (*m)[key]
		if !exists {
			return store.ErrNoChange
		}
		delete(*m, key)
		if !it.expired(now) {
			out = append([]byte(nil), it.Value...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *FileStore) Update(_ context.Context, key string, fn func(value []byte) ([]byte, error)) error {
	now := s.now()
	return s.doc.Update(func(m *items) error {
		it, ok := (*m)[key]
		if !ok || it.expired(now) {
			return ErrNotFound
		}
		next, err := fn(append([]byte(nil), it.Value...))
		if err != nil {
			return err
		}
		it.Value = json.RawMessage(next)
		(*m)[key] = it
		return nil
	})
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	return s.doc.Update(func(m *items) error {
		if _, ok := (*m)[key]; !ok {
			return store.ErrNoChange
		}
		delete(*m, key)
		return nil
	})
}

func (s *FileStore) Cleanup(_ context.Context) (int, error) {
	now := s.now()
	removed := 0
	err := s.doc.Update(func(m *items) error {
		removed = sweep(*m, now)
		if removed == 0 {
			return store.ErrNoChange
		}
		return nil
	})
	return removed, err
}

func sweep(m items, now time.Time) int {
	n := 0
	for k, it := range m {
		if it.expired(now) {
			delete(m, k)
			n++
		}
	}
	return n
}

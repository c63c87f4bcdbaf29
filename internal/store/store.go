// Package store keeps small JSON documents in memory and mirrors every
// committed change to disk with a temp-file-then-rename write.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrUnsupportedVersion = errors.New("unsupported state version")

// ErrNoChange may be returned from an Update callback that did not touch
// the value. Update then returns nil without writing.
var ErrNoChange = errors.New("no change")

type Options struct {
	// Path of the backing file. Empty keeps the document in memory only.
	Path string
	// Version is written into the envelope and checked on load.
	Version int
	// Lenient turns a missing, corrupt or foreign file into an empty
	// document instead of an error.
	Lenient bool
	Logger  *slog.Logger
}

type envelope[T any] struct {
	Version int   `json:"version"`
	Data    T     `json:"data"`
	SavedAt int64 `json:"savedAt"`
}

// Document is a repository over one JSON value of type T. Update runs a
// read-modify-write transaction under the document lock; a change counts
// as committed once it is durably on disk.
type Document[T any] struct {
	mu sync.Mutex

	path    string
	version int
	logger  *slog.Logger
	newT    func() T

	data T
}

// Open loads the document at opts.Path, or starts from newT() when the file
// does not exist yet.
func Open[T any](opts Options, newT func() T) (*Document[T], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Version == 0 {
		opts.Version = 1
	}
	d := &Document[T]{
		path:    opts.Path,
		version: opts.Version,
		logger:  logger,
		newT:    newT,
		data:    newT(),
	}

	if d.path != "" {
		if err := d.load(); err != nil {
			if !opts.Lenient {
				return nil, fmt.Errorf("load %s: %w", d.path, err)
			}
			logger.Warn("state file unreadable, starting empty", "path", d.path, "err", err)
			d.data = newT()
		}
	}
	return d, nil
}

func (d *Document[T]) load() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	file := envelope[T]{Data: d.newT()}
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != d.version {
		return ErrUnsupportedVersion
	}
	d.data = file.Data
	return nil
}

// View calls fn with the committed value. fn must not retain references to
// the value or mutate it.
func (d *Document[T]) View(fn func(v *T)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.data)
}

// Update applies fn to the value and persists the result. fn must leave the
// value untouched when it returns an error. If the write fails, the value
// is reloaded from the last committed file.
func (d *Document[T]) Update(fn func(v *T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := fn(&d.data); err != nil {
		if errors.Is(err, ErrNoChange) {
			return nil
		}
		return err
	}

	if err := d.persistLocked(); err != nil {
		d.data = d.newT()
		if lerr := d.load(); lerr != nil {
			d.logger.Error("state reload failed", "path", d.path, "err", lerr)
		}
		return err
	}
	return nil
}

func (d *Document[T]) persistLocked() error {
	if d.path == "" {
		return nil
	}
	file := envelope[T]{Version: d.version, Data: d.data, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := WriteFileAtomic(d.path, data); err != nil {
		d.logger.Error("state persist failed", "path", d.path, "err", err)
		return err
	}
	return nil
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Package jsonfile stores the cache index as one JSON document that is
// rewritten atomically after every mutation.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/tidwall/btree"

	"github.com/tigrisdata/fluxcoach/pkg/cache/files"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
)

const formatVersion = 1

var errVersionMismatch = errors.New("cache index: unsupported format version")

type document struct {
	Version int                    `json:"version"`
	Entries map[string]index.Entry `json:"entries"`
}

// Index implements index.CacheIndex on top of a JSON file.
type Index struct {
	path string

	mu      sync.Mutex
	entries btree.Map[string, index.Entry]
}

// Open loads the index at path. A missing file yields an empty index; an
// unparsable file or unknown version is reported with index.ErrCorrupt.
func Open(path string) (*Index, error) {
	idx := &Index{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return idx, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return idx, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse index: %w: %v", index.ErrCorrupt, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("%w: %w: %d", index.ErrCorrupt, errVersionMismatch, doc.Version)
	}
	for key, entry := range doc.Entries {
		if entry.Key == "" {
			entry.Key = key
		}
		if entry.Key != key {
			continue
		}
		idx.entries.Set(key, entry)
	}
	return idx, nil
}

// Path returns the backing file.
func (i *Index) Path() string {
	return i.path
}

func (i *Index) Put(ctx context.Context, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Key == "" {
		return index.ErrEmptyKey
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	normalized := index.Normalize(entry)
	prev, had := i.entries.Set(normalized.Key, normalized)
	if err := i.flushLocked(); err != nil {
		if had {
			i.entries.Set(normalized.Key, prev)
		} else {
			i.entries.Delete(normalized.Key)
		}
		return err
	}
	return nil
}

func (i *Index) Get(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if key == "" {
		return index.Entry{}, index.ErrEmptyKey
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	entry, ok := i.entries.Get(key)
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	return entry, nil
}

func (i *Index) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return index.ErrEmptyKey
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	prev, had := i.entries.Delete(key)
	if !had {
		return nil
	}
	if err := i.flushLocked(); err != nil {
		i.entries.Set(key, prev)
		return err
	}
	return nil
}

func (i *Index) List(ctx context.Context) ([]index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.mu.Lock()
	entries := make([]index.Entry, 0, i.entries.Len())
	i.entries.Scan(func(_ string, entry index.Entry) bool {
		entries = append(entries, entry)
		return true
	})
	i.mu.Unlock()

	index.SortByAge(entries)
	return entries, nil
}

func (i *Index) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.entries.Len(), nil
}

func (i *Index) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	prev := i.entries.Copy()
	i.entries = btree.Map[string, index.Entry]{}
	if err := i.flushLocked(); err != nil {
		i.entries = *prev
		return err
	}
	return nil
}

// Sync rewrites the file from memory.
func (i *Index) Sync() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.flushLocked()
}

func (i *Index) Close() error {
	return nil
}

func (i *Index) flushLocked() error {
	doc := document{
		Version: formatVersion,
		Entries: make(map[string]index.Entry, i.entries.Len()),
	}
	i.entries.Scan(func(key string, entry index.Entry) bool {
		doc.Entries[key] = entry
		return true
	})

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := files.WriteFile(i.path, data, 0o600); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

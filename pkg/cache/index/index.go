package index

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entry is not present in the index.
var ErrNotFound = errors.New("cache index: entry not found")

// ErrCorrupt marks an index file or record that could not be decoded.
var ErrCorrupt = errors.New("cache index: corrupt data")

// ErrEmptyKey is returned when an operation is given an empty cache key.
var ErrEmptyKey = errors.New("cache index: key must not be empty")

// Entry maps a cache key to the artifact produced for it.
type Entry struct {
	Key         string    `json:"key"`
	OutputPath  string    `json:"output_path"`
	Fingerprint string    `json:"fingerprint"`
	InsertedAt  time.Time `json:"inserted_at"`

	// SourcePath and Params are kept for maintenance and listing only.
	SourcePath string `json:"source_path,omitempty"`
	Params     string `json:"params,omitempty"`
}

// CacheIndex expresses the persistence requirements for the cache metadata store.
// Implementations must make every mutation durable before returning.
type CacheIndex interface {
	// Put inserts or replaces the entry stored under entry.Key.
	Put(ctx context.Context, entry Entry) error
	// Get retrieves the entry for key.
	Get(ctx context.Context, key string) (Entry, error)
	// Delete removes the entry for key. Missing entries are ignored.
	Delete(ctx context.Context, key string) error
	// List returns every decodable entry ordered by InsertedAt, oldest first.
	List(ctx context.Context) ([]Entry, error)
	// Len reports the number of stored entries.
	Len(ctx context.Context) (int, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Close releases resources held by the index.
	Close() error
}

// SortByAge orders entries oldest first, breaking ties by key so listings
// are deterministic.
func SortByAge(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].InsertedAt.Equal(entries[j].InsertedAt) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].InsertedAt.Before(entries[j].InsertedAt)
	})
}

// Normalize fills InsertedAt when unset and strips the monotonic clock
// reading so entries compare equal after a round trip through storage.
func Normalize(entry Entry) Entry {
	if entry.InsertedAt.IsZero() {
		entry.InsertedAt = time.Now()
	}
	entry.InsertedAt = entry.InsertedAt.UTC().Round(0)
	return entry
}

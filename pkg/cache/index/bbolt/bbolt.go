package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
)

const (
	currentSchemaVersion = 1
	bucketMeta           = "meta"
	bucketEntries        = "entries"

	keySchemaVersion = "schema_version"
)

var (
	errUnknownSchema = errors.New("cache index: unknown schema version")
)

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Index implements index.CacheIndex backed by bbolt.
type Index struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed cache index at path. A file that
// bbolt cannot read is reported with index.ErrCorrupt in the chain.
func Open(path string, opts Options) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("open bbolt: %w", err)
		}
		return nil, fmt.Errorf("open bbolt: %w: %w", index.ErrCorrupt, err)
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Path returns the database file location.
func (i *Index) Path() string {
	return i.db.Path()
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *Index) Put(ctx context.Context, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Key == "" {
		return index.ErrEmptyKey
	}

	normalized := index.Normalize(entry)
	data, err := encodeEntry(normalized)
	if err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket, err := entriesBucket(tx)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(normalized.Key), data)
	})
}

func (i *Index) Get(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if key == "" {
		return index.Entry{}, index.ErrEmptyKey
	}

	var result index.Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket, err := entriesBucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		result = entry
		return nil
	})
	return result, err
}

func (i *Index) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return index.ErrEmptyKey
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket, err := entriesBucket(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

func (i *Index) List(ctx context.Context) ([]index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]index.Entry, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket, err := entriesBucket(tx)
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			entry, err := decodeEntry(v)
			if err != nil {
				// Undecodable records are skipped; Get reports them.
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	index.SortByAge(entries)
	return entries, nil
}

func (i *Index) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket, err := entriesBucket(tx)
		if err != nil {
			return err
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

func (i *Index) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketEntries)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return fmt.Errorf("drop entries bucket: %w", err)
		}
		_, err := tx.CreateBucket([]byte(bucketEntries))
		return err
	})
}

func (i *Index) ensureSchema() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return fmt.Errorf("ensure meta bucket: %w", err)
		}
		versionBytes := meta.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketEntries)); err != nil {
				return fmt.Errorf("ensure entries bucket: %w", err)
			}
			return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w: %w", index.ErrCorrupt, err)
		}
		if version == currentSchemaVersion {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketEntries)); err != nil {
				return fmt.Errorf("ensure entries bucket: %w", err)
			}
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return meta.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

// migrate upgrades older layouts in place. Version 0 stored nothing but the
// version marker, so upgrading only needs the entries bucket.
func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0:
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketEntries)); err != nil {
				return fmt.Errorf("migrate v0 entries: %w", err)
			}
			version = 1
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}

func entriesBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(bucketEntries))
	if bucket == nil {
		return nil, fmt.Errorf("missing bucket %s", bucketEntries)
	}
	return bucket, nil
}

func encodeEntry(entry index.Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func decodeEntry(data []byte) (index.Entry, error) {
	var entry index.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return index.Entry{}, fmt.Errorf("%w: %v", index.ErrCorrupt, err)
	}
	if entry.Key == "" {
		return index.Entry{}, fmt.Errorf("%w: record without key", index.ErrCorrupt)
	}
	return entry, nil
}

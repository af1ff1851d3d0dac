package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index/bbolt"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index/jsonfile"
)

// Backend selects the index persistence format.
type Backend string

const (
	BackendBbolt Backend = "bbolt"
	BackendJSON  Backend = "json"
)

const artifactsDirName = "artifacts"

// Options configures Open.
type Options struct {
	Backend Backend
	// Timeout bounds waiting for the bbolt file lock held by another process.
	Timeout time.Duration
}

// Logger captures structured output for cache operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Option customises cache construction.
type Option func(*ContentCache)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *ContentCache) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for insertion timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *ContentCache) {
		c.now = now
	}
}

// ContentCache maps (source fingerprint, parameters) keys to previously
// produced artifacts. Every index access is serialized.
type ContentCache struct {
	dir    string
	idx    index.CacheIndex
	logger Logger
	now    func() time.Time

	mu sync.Mutex
}

// Open loads (or creates) the cache rooted at dir. A corrupt index file is
// moved aside and replaced by an empty one.
func Open(dir string, opts Options, options ...Option) (*ContentCache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create directory: %w", err)
	}
	if opts.Backend == "" {
		opts.Backend = BackendBbolt
	}

	c := newCache(dir, options...)

	idx, err := openIndex(dir, opts)
	if err != nil && errors.Is(err, index.ErrCorrupt) {
		path := IndexPath(dir, opts.Backend)
		c.logger.Warnf("%v; starting with an empty cache", &CorruptionError{Path: path, Err: err})
		if qerr := quarantine(path); qerr != nil {
			return nil, fmt.Errorf("cache: move corrupt index aside: %w", qerr)
		}
		idx, err = openIndex(dir, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: open index: %w", err)
	}
	c.idx = idx
	return c, nil
}

// New wraps an existing index. The caller keeps ownership of idx until Close.
func New(dir string, idx index.CacheIndex, options ...Option) *ContentCache {
	c := newCache(dir, options...)
	c.idx = idx
	return c
}

func newCache(dir string, options ...Option) *ContentCache {
	c := &ContentCache{
		dir:    dir,
		logger: defaultLogger(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// IndexPath returns where backend keeps its index inside dir.
func IndexPath(dir string, backend Backend) string {
	if backend == BackendJSON {
		return filepath.Join(dir, "index.json")
	}
	return filepath.Join(dir, "index.db")
}

func openIndex(dir string, opts Options) (index.CacheIndex, error) {
	path := IndexPath(dir, opts.Backend)
	switch opts.Backend {
	case BackendBbolt:
		return bbolt.Open(path, bbolt.Options{Timeout: opts.Timeout})
	case BackendJSON:
		return jsonfile.Open(path)
	default:
		return nil, fmt.Errorf("unknown index backend %q", opts.Backend)
	}
}

func quarantine(path string) error {
	target := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if err := os.Rename(path, target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Dir returns the cache root.
func (c *ContentCache) Dir() string {
	return c.dir
}

// ArtifactsDir is where outputs owned by the cache are written.
func (c *ContentCache) ArtifactsDir() string {
	return filepath.Join(c.dir, artifactsDirName)
}

// Close releases the index.
func (c *ContentCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idx == nil {
		return nil
	}
	err := c.idx.Close()
	c.idx = nil
	return err
}

type lookupConfig struct {
	sourcePath  string
	fingerprint string
}

// LookupOption supplies the live source used to re-validate a hit.
type LookupOption func(*lookupConfig)

// WithSourcePath re-fingerprints path and requires it to match the entry.
func WithSourcePath(path string) LookupOption {
	return func(l *lookupConfig) {
		l.sourcePath = path
	}
}

// WithFingerprint requires the entry to match an already computed live
// fingerprint.
func WithFingerprint(fp string) LookupOption {
	return func(l *lookupConfig) {
		l.fingerprint = fp
	}
}

// Lookup returns the entry stored under key after checking that its output
// still exists and, when a source is supplied, that the source content is
// unchanged. Stale entries are dropped and reported as a miss. An unreadable
// source is returned as *FileError.
func (c *ContentCache) Lookup(ctx context.Context, key string, opts ...LookupOption) (index.Entry, bool, error) {
	var cfg lookupConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	live := cfg.fingerprint
	if live == "" && cfg.sourcePath != "" {
		fp, err := Fingerprint(cfg.sourcePath)
		if err != nil {
			return index.Entry{}, false, err
		}
		live = fp
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return index.Entry{}, false, errors.New("cache: closed")
	}

	entry, err := c.idx.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, index.ErrNotFound):
		return index.Entry{}, false, nil
	case errors.Is(err, index.ErrCorrupt):
		c.logger.Warnf("%v", &CorruptionError{Key: key, Err: err})
		c.dropLocked(ctx, key)
		return index.Entry{}, false, nil
	default:
		return index.Entry{}, false, err
	}

	if _, err := os.Stat(entry.OutputPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.logger.Debugf("cache: output %s for %s is gone", entry.OutputPath, shortKey(key))
			c.dropLocked(ctx, key)
		} else {
			c.logger.Warnf("cache: stat output %s: %v", entry.OutputPath, err)
		}
		return index.Entry{}, false, nil
	}

	if live != "" && live != entry.Fingerprint {
		c.logger.Debugf("cache: source of %s changed since insertion", shortKey(key))
		c.dropLocked(ctx, key)
		return index.Entry{}, false, nil
	}

	return entry, true, nil
}

type insertConfig struct {
	sourcePath string
	params     string
}

// InsertOption attaches descriptive data to an inserted entry.
type InsertOption func(*insertConfig)

// WithSource records the source path so maintenance can re-validate the
// entry later.
func WithSource(path string) InsertOption {
	return func(i *insertConfig) {
		i.sourcePath = path
	}
}

// WithParams records the canonical parameter string.
func WithParams(canonical string) InsertOption {
	return func(i *insertConfig) {
		i.params = canonical
	}
}

// Insert records outputPath as the artifact for key and persists the index
// before returning. An existing entry under key is replaced.
func (c *ContentCache) Insert(ctx context.Context, key, outputPath, fingerprint string, opts ...InsertOption) (index.Entry, error) {
	if key == "" {
		return index.Entry{}, index.ErrEmptyKey
	}
	if outputPath == "" {
		return index.Entry{}, errors.New("cache: output path is required")
	}

	var cfg insertConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	entry := index.Entry{
		Key:         key,
		OutputPath:  outputPath,
		Fingerprint: fingerprint,
		InsertedAt:  c.now(),
		SourcePath:  cfg.sourcePath,
		Params:      cfg.params,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return index.Entry{}, errors.New("cache: closed")
	}
	if err := c.idx.Put(ctx, entry); err != nil {
		return index.Entry{}, fmt.Errorf("cache: insert %s: %w", shortKey(key), err)
	}
	return index.Normalize(entry), nil
}

// PurgeInvalid drops every entry whose output is missing or whose source no
// longer matches the stored fingerprint, and returns how many were removed.
func (c *ContentCache) PurgeInvalid(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return 0, errors.New("cache: closed")
	}

	entries, err := c.idx.List(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		reason := c.invalidReason(entry)
		if reason == "" {
			continue
		}
		c.logger.Debugf("cache: purging %s: %s", shortKey(entry.Key), reason)
		if err := c.idx.Delete(ctx, entry.Key); err != nil {
			return removed, fmt.Errorf("cache: purge %s: %w", shortKey(entry.Key), err)
		}
		c.removeOwnedLocked(entry.OutputPath)
		removed++
	}
	return removed, nil
}

func (c *ContentCache) invalidReason(entry index.Entry) string {
	if _, err := os.Stat(entry.OutputPath); errors.Is(err, os.ErrNotExist) {
		return "output missing"
	}
	if entry.SourcePath == "" {
		return ""
	}
	live, err := Fingerprint(entry.SourcePath)
	if err != nil {
		return "source unreadable"
	}
	if live != entry.Fingerprint {
		return "source changed"
	}
	return ""
}

// Clear empties the index and removes the artifacts the cache owns.
func (c *ContentCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return errors.New("cache: closed")
	}
	if err := c.idx.Clear(ctx); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	if err := os.RemoveAll(c.ArtifactsDir()); err != nil {
		c.logger.Warnf("cache: remove artifacts: %v", err)
	}
	return nil
}

// Entries lists every entry, oldest first.
func (c *ContentCache) Entries(ctx context.Context) ([]index.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return nil, errors.New("cache: closed")
	}
	return c.idx.List(ctx)
}

// Len reports the number of entries.
func (c *ContentCache) Len(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return 0, errors.New("cache: closed")
	}
	return c.idx.Len(ctx)
}

// Evict removes the entry for key together with its artifact when the cache
// owns it. It returns the number of bytes freed on disk.
func (c *ContentCache) Evict(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return 0, errors.New("cache: closed")
	}
	entry, err := c.idx.Get(ctx, key)
	if err != nil && !errors.Is(err, index.ErrCorrupt) {
		if errors.Is(err, index.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if err := c.idx.Delete(ctx, key); err != nil {
		return 0, err
	}
	if entry.OutputPath == "" {
		return 0, nil
	}
	return c.removeOwnedLocked(entry.OutputPath), nil
}

// RemoveSource drops every entry recorded for sourcePath.
func (c *ContentCache) RemoveSource(ctx context.Context, sourcePath string) (int, error) {
	abs, err := filepath.Abs(sourcePath)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.idx == nil {
		return 0, errors.New("cache: closed")
	}
	entries, err := c.idx.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.SourcePath != abs {
			continue
		}
		if err := c.idx.Delete(ctx, entry.Key); err != nil {
			return removed, err
		}
		c.removeOwnedLocked(entry.OutputPath)
		removed++
	}
	return removed, nil
}

func (c *ContentCache) dropLocked(ctx context.Context, key string) {
	if err := c.idx.Delete(ctx, key); err != nil {
		c.logger.Warnf("cache: drop stale entry %s: %v", shortKey(key), err)
	}
}

// removeOwnedLocked deletes path if it lives under the artifacts directory
// and returns its size.
func (c *ContentCache) removeOwnedLocked(path string) int64 {
	if !c.owns(path) {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	if err := os.Remove(path); err != nil {
		c.logger.Warnf("cache: remove artifact %s: %v", path, err)
		return 0
	}
	return info.Size()
}

func (c *ContentCache) owns(path string) bool {
	rel, err := filepath.Rel(c.ArtifactsDir(), path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func defaultLogger() Logger {
	return log.GetLogger("cache")
}

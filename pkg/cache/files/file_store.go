package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

var (
	// ErrClosed is returned if an operation is attempted on a closed container.
	ErrClosed = errors.New("cache file container is closed")
)

// Container stages a file write; data goes to a temporary sibling until
// Commit syncs it and renames it over the final path.
type Container struct {
	mu        sync.Mutex
	file      *os.File
	finalPath string
	tempPath  string
	closed    bool
}

// OpenContainer prepares a staging file next to path.
func OpenContainer(path string) (*Container, error) {
	if path == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	pattern := "." + filepath.Base(path) + ".tmp-*"
	tempFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &Container{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

// Write appends p to the staged file.
func (c *Container) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	return c.file.Write(p)
}

// Path returns the destination the container commits to.
func (c *Container) Path() string {
	return c.finalPath
}

// Commit flushes the staged data and atomically renames it into place.
func (c *Container) Commit(perm os.FileMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true

	// Data must be durable before the rename publishes it.
	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.tempPath)
		return err
	}
	if err := c.file.Chmod(perm); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.tempPath)
		return err
	}
	if err := c.file.Close(); err != nil {
		_ = os.Remove(c.tempPath)
		return err
	}

	if err := os.Rename(c.tempPath, c.finalPath); err != nil {
		_ = os.Remove(c.tempPath)
		return fmt.Errorf("commit cache file: %w", err)
	}
	return nil
}

// Abort discards the staged data. It is safe to call after Commit.
func (c *Container) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.file.Close()
	if err := os.Remove(c.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// WriteFile atomically replaces path with data. Readers observe either the
// previous content or the complete new content.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	c, err := OpenContainer(path)
	if err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		_ = c.Abort()
		return err
	}
	return c.Commit(perm)
}

// SpaceRecoverer frees disk space after an out-of-space failure.
type SpaceRecoverer interface {
	HandleENOSPC(ctx context.Context) error
}

// Store writes artifacts atomically and retries a write once after asking
// its recoverer to free space.
type Store struct {
	recoverer SpaceRecoverer
	perm      os.FileMode
	write     func(path string, data []byte, perm os.FileMode) error
}

// StoreOption customises Store construction.
type StoreOption func(*Store)

// WithRecoverer installs an ENOSPC recovery hook.
func WithRecoverer(r SpaceRecoverer) StoreOption {
	return func(s *Store) {
		s.recoverer = r
	}
}

// WithPerm sets the mode of written artifacts.
func WithPerm(perm os.FileMode) StoreOption {
	return func(s *Store) {
		s.perm = perm
	}
}

// NewStore constructs an artifact store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{perm: 0o644, write: WriteFile}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write stores data at path.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.write(path, data, s.perm)
	if err == nil || !IsNoSpace(err) || s.recoverer == nil {
		return err
	}
	if rerr := s.recoverer.HandleENOSPC(ctx); rerr != nil {
		return fmt.Errorf("%w (space recovery: %v)", err, rerr)
	}
	return s.write(path, data, s.perm)
}

// IsNoSpace reports whether err was caused by a full device.
func IsNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func TestWriteFileCreatesParentsAndContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifacts", "ab", "photo_enhanced.png")

	if err := WriteFile(path, []byte("png-bytes"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading final file failed: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("final file contents %q, want %q", string(data), "png-bytes")
	}
	assertNoStagingFiles(t, filepath.Dir(path))
}

func TestContainerAtomicCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "atomic.png")

	if err := os.WriteFile(path, []byte("old-data"), 0o600); err != nil {
		t.Fatalf("failed to seed original file: %v", err)
	}

	container, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer returned error: %v", err)
	}
	if _, err := container.Write([]byte("new-data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// before commit, the on-disk file should still contain old data
	persisted, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(persisted) != "old-data" {
		t.Fatalf("expected on-disk data %q before commit, got %q", "old-data", string(persisted))
	}

	if err := container.Commit(0o644); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	finalData, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading final file failed: %v", err)
	}
	if string(finalData) != "new-data" {
		t.Fatalf("final file contents %q, want %q", string(finalData), "new-data")
	}
}

func TestContainerAbortKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keep.png")
	if err := os.WriteFile(path, []byte("original"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	container, err := OpenContainer(path)
	if err != nil {
		t.Fatalf("OpenContainer returned error: %v", err)
	}
	if _, err := container.Write([]byte("partial")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := container.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := container.Abort(); err != nil {
		t.Fatalf("second Abort failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "original" {
		t.Fatalf("expected original content, got %q", string(data))
	}
	assertNoStagingFiles(t, dir)
}

func TestContainerRejectsWritesAfterCommit(t *testing.T) {
	dir := t.TempDir()
	container, err := OpenContainer(filepath.Join(dir, "done.png"))
	if err != nil {
		t.Fatalf("OpenContainer returned error: %v", err)
	}
	if err := container.Commit(0o644); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if _, err := container.Write([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := container.Commit(0o644); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on second commit, got %v", err)
	}
}

type stubRecoverer struct {
	calls int
	err   error
	onRun func()
}

func (s *stubRecoverer) HandleENOSPC(context.Context) error {
	s.calls++
	if s.onRun != nil {
		s.onRun()
	}
	return s.err
}

func TestStoreWriteWithoutRecovererPassesErrors(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := &stubRecoverer{}
	store := NewStore(WithRecoverer(rec))
	// a regular file in place of a directory is not an out-of-space condition
	err := store.Write(context.Background(), filepath.Join(blocker, "x.png"), []byte("data"))
	if err == nil {
		t.Fatalf("expected error writing below a regular file")
	}
	if rec.calls != 0 {
		t.Fatalf("recoverer should not run for non-ENOSPC errors, ran %d times", rec.calls)
	}
}

func TestStoreWriteHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewStore()
	err := store.Write(ctx, filepath.Join(t.TempDir(), "x.png"), []byte("data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsNoSpace(t *testing.T) {
	wrapped := fmt.Errorf("commit cache file: %w", &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC})
	if !IsNoSpace(wrapped) {
		t.Fatalf("expected wrapped ENOSPC to be detected")
	}
	if IsNoSpace(errors.New("other")) {
		t.Fatalf("unexpected ENOSPC match")
	}
}

func assertNoStagingFiles(t *testing.T, dir string) {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("staging files left behind: %v", matches)
	}
}

func TestStoreRetriesOnceAfterRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "full.png")

	attempts := 0
	rec := &stubRecoverer{}
	store := NewStore(WithRecoverer(rec))
	store.write = func(p string, data []byte, perm os.FileMode) error {
		attempts++
		if attempts == 1 {
			return &os.PathError{Op: "write", Path: p, Err: syscall.ENOSPC}
		}
		return WriteFile(p, data, perm)
	}

	if err := store.Write(context.Background(), path, []byte("ok")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one recovery, got %d", rec.calls)
	}
	if attempts != 2 {
		t.Fatalf("expected two write attempts, got %d", attempts)
	}
}

func TestStoreReportsFailedRecovery(t *testing.T) {
	rec := &stubRecoverer{err: errors.New("cleaner could not free space")}
	store := NewStore(WithRecoverer(rec))
	store.write = func(p string, _ []byte, _ os.FileMode) error {
		return &os.PathError{Op: "write", Path: p, Err: syscall.ENOSPC}
	}

	err := store.Write(context.Background(), filepath.Join(t.TempDir(), "x.png"), []byte("data"))
	if !IsNoSpace(err) {
		t.Fatalf("expected ENOSPC to be preserved, got %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("expected one recovery attempt, got %d", rec.calls)
	}
}

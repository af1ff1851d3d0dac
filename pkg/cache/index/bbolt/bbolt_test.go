package bbolt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index/indextest"
)

func TestCacheIndexContractWithBbolt(t *testing.T) {
	indextest.RunCacheIndexContract(t, func(tb testing.TB) index.CacheIndex {
		tb.Helper()

		dir := tb.TempDir()
		path := filepath.Join(dir, "index.db")
		idx, err := Open(path, Options{})
		if err != nil {
			tb.Fatalf("failed to open bbolt index: %v", err)
		}
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	})
}

func TestOpenInitializesSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	version := readSchemaVersion(t, path)
	if version != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestOpenUpgradesLegacySchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	createLegacySchema(t, path)

	idx, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if err := idx.Put(context.Background(), index.Entry{Key: "k", OutputPath: "/o", Fingerprint: "f"}); err != nil {
		t.Fatalf("Put after upgrade failed: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	version := readSchemaVersion(t, path)
	if version != currentSchemaVersion {
		t.Fatalf("expected schema version %d after upgrade, got %d", currentSchemaVersion, version)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	writeSchemaVersion(t, path, strconv.Itoa(currentSchemaVersion+1))

	_, err := Open(path, Options{})
	if !errors.Is(err, errUnknownSchema) {
		t.Fatalf("expected errUnknownSchema, got %v", err)
	}
	if errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("newer schema must not be reported as corruption")
	}
}

func TestOpenReportsGarbageFileAsCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")
	if err := os.WriteFile(path, []byte("this is not a bolt database"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	_, err := Open(path, Options{})
	if !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestEntriesPersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("first Open returned error: %v", err)
	}

	inserted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entry := index.Entry{
		Key:         "abc",
		OutputPath:  "/cache/artifacts/a_enhanced.png",
		SourcePath:  "/photos/a.png",
		Fingerprint: "deadbeef",
		Params:      `{"scale":2}`,
		InsertedAt:  inserted,
	}
	if err := idx.Put(ctx, entry); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	idx, err = Open(path, Options{})
	if err != nil {
		t.Fatalf("re-open returned error: %v", err)
	}
	defer func() { _ = idx.Close() }()

	persisted, err := idx.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if persisted.OutputPath != entry.OutputPath || persisted.Fingerprint != entry.Fingerprint {
		t.Fatalf("unexpected entry after reopen: %+v", persisted)
	}
	if !persisted.InsertedAt.Equal(inserted) {
		t.Fatalf("expected InsertedAt %v, got %v", inserted, persisted.InsertedAt)
	}
}

func TestGetReportsUndecodableRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "index.db")

	idx, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer func() { _ = idx.Close() }()

	if err := idx.Put(ctx, index.Entry{Key: "good", OutputPath: "/o", Fingerprint: "f"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEntries)).Put([]byte("bad"), []byte("{not json"))
	}); err != nil {
		t.Fatalf("inject bad record: %v", err)
	}

	if _, err := idx.Get(ctx, "bad"); !errors.Is(err, index.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for bad record, got %v", err)
	}
	entries, err := idx.List(ctx)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "good" {
		t.Fatalf("expected only the good entry, got %+v", entries)
	}
}

func readSchemaVersion(t *testing.T, path string) int {
	t.Helper()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to open db for inspection: %v", err)
	}
	defer func() { _ = db.Close() }()

	var version int
	if err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketMeta))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(keySchemaVersion))
		if len(data) == 0 {
			return nil
		}
		v, err := strconv.Atoi(string(data))
		if err != nil {
			return err
		}
		version = v
		return nil
	}); err != nil {
		t.Fatalf("failed to read schema version: %v", err)
	}
	return version
}

func createLegacySchema(t *testing.T, path string) {
	t.Helper()

	// version 0 wrote only the marker; the entries bucket is missing
	writeSchemaVersion(t, path, "0")
}

func writeSchemaVersion(t *testing.T, path, version string) {
	t.Helper()

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(bucketMeta))
		if err != nil {
			return err
		}
		return meta.Put([]byte(keySchemaVersion), []byte(version))
	}); err != nil {
		t.Fatalf("failed to write schema version: %v", err)
	}
}

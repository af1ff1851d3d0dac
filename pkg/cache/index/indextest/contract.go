package indextest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
)

type CacheIndexFactory func(tb testing.TB) index.CacheIndex

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, idx index.CacheIndex)
}

// RunCacheIndexContract exercises the CacheIndex interface against a supplied factory.
func RunCacheIndexContract(t *testing.T, factory CacheIndexFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "put and get round trip",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				entry := sampleEntry("k1", "/out/a_enhanced.png", time.Unix(10, 0))
				if err := idx.Put(ctx, entry); err != nil {
					t.Fatalf("Put returned error: %v", err)
				}

				fetched, err := idx.Get(ctx, entry.Key)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertEntriesEqual(t, entry, fetched)
			},
		},
		{
			name: "get missing returns ErrNotFound",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				_, err := idx.Get(context.Background(), "missing")
				if !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "empty key rejected",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				if err := idx.Put(ctx, index.Entry{OutputPath: "/x"}); !errors.Is(err, index.ErrEmptyKey) {
					t.Fatalf("expected ErrEmptyKey from Put, got %v", err)
				}
				if _, err := idx.Get(ctx, ""); !errors.Is(err, index.ErrEmptyKey) {
					t.Fatalf("expected ErrEmptyKey from Get, got %v", err)
				}
			},
		},
		{
			name: "put replaces existing entry",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				original := sampleEntry("k2", "/out/old.png", time.Unix(11, 0))
				updated := sampleEntry("k2", "/out/new.png", time.Unix(12, 0))
				updated.Fingerprint = "ffff"

				if err := idx.Put(ctx, original); err != nil {
					t.Fatalf("Put original failed: %v", err)
				}
				if err := idx.Put(ctx, updated); err != nil {
					t.Fatalf("Put updated failed: %v", err)
				}

				fetched, err := idx.Get(ctx, "k2")
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertEntriesEqual(t, updated, fetched)

				n, err := idx.Len(ctx)
				if err != nil {
					t.Fatalf("Len returned error: %v", err)
				}
				if n != 1 {
					t.Fatalf("expected 1 entry after replace, got %d", n)
				}
			},
		},
		{
			name: "put fills missing insertion time",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				before := time.Now().Add(-time.Second)
				if err := idx.Put(ctx, index.Entry{Key: "k3", OutputPath: "/out/c.png", Fingerprint: "ab"}); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				fetched, err := idx.Get(ctx, "k3")
				if err != nil {
					t.Fatalf("Get failed: %v", err)
				}
				if fetched.InsertedAt.Before(before) {
					t.Fatalf("expected InsertedAt to be set, got %v", fetched.InsertedAt)
				}
			},
		},
		{
			name: "delete removes entry and is idempotent",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				entry := sampleEntry("k4", "/out/d.png", time.Unix(14, 0))
				if err := idx.Put(ctx, entry); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				if err := idx.Delete(ctx, entry.Key); err != nil {
					t.Fatalf("Delete returned error: %v", err)
				}
				if _, err := idx.Get(ctx, entry.Key); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
				if err := idx.Delete(ctx, entry.Key); err != nil {
					t.Fatalf("second Delete returned error: %v", err)
				}
			},
		},
		{
			name: "list orders oldest first",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				base := time.Unix(1_700_000_000, 0)
				for i, key := range []string{"c", "a", "b"} {
					entry := sampleEntry(key, "/out/"+key+".png", base.Add(time.Duration(2-i)*time.Minute))
					if err := idx.Put(ctx, entry); err != nil {
						t.Fatalf("Put %s failed: %v", key, err)
					}
				}

				entries, err := idx.List(ctx)
				if err != nil {
					t.Fatalf("List returned error: %v", err)
				}
				got := keys(entries)
				want := []string{"b", "a", "c"}
				if fmt.Sprint(got) != fmt.Sprint(want) {
					t.Fatalf("unexpected order %v, want %v", got, want)
				}
			},
		},
		{
			name: "clear empties the index",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				for i := 0; i < 5; i++ {
					key := fmt.Sprintf("clear-%d", i)
					if err := idx.Put(ctx, sampleEntry(key, "/out/"+key, time.Unix(int64(20+i), 0))); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}
				if err := idx.Clear(ctx); err != nil {
					t.Fatalf("Clear returned error: %v", err)
				}
				n, err := idx.Len(ctx)
				if err != nil {
					t.Fatalf("Len returned error: %v", err)
				}
				if n != 0 {
					t.Fatalf("expected empty index after Clear, got %d entries", n)
				}
				if err := idx.Put(ctx, sampleEntry("after", "/out/after", time.Unix(30, 0))); err != nil {
					t.Fatalf("Put after Clear failed: %v", err)
				}
			},
		},
		{
			name: "cancelled context is honoured",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if err := idx.Put(ctx, sampleEntry("ctx", "/out/ctx", time.Unix(40, 0))); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled from Put, got %v", err)
				}
				if _, err := idx.List(ctx); !errors.Is(err, context.Canceled) {
					t.Fatalf("expected context.Canceled from List, got %v", err)
				}
			},
		},
		{
			name: "concurrent puts are all retained",
			testFn: func(t *testing.T, idx index.CacheIndex) {
				t.Helper()

				ctx := context.Background()
				var wg sync.WaitGroup
				errs := make(chan error, 16)
				for i := 0; i < 16; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						key := fmt.Sprintf("par-%02d", i)
						errs <- idx.Put(ctx, sampleEntry(key, "/out/"+key, time.Unix(int64(100+i), 0)))
					}(i)
				}
				wg.Wait()
				close(errs)
				for err := range errs {
					if err != nil {
						t.Fatalf("concurrent Put failed: %v", err)
					}
				}
				n, err := idx.Len(ctx)
				if err != nil {
					t.Fatalf("Len returned error: %v", err)
				}
				if n != 16 {
					t.Fatalf("expected 16 entries, got %d", n)
				}
			},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			idx := factory(t)
			tc.testFn(t, idx)
		})
	}
}

func sampleEntry(key, output string, inserted time.Time) index.Entry {
	return index.Entry{
		Key:         key,
		OutputPath:  output,
		SourcePath:  "/src/" + key + ".png",
		Fingerprint: "fp-" + key,
		Params:      `{"scale":2}`,
		InsertedAt:  inserted,
	}
}

func keys(entries []index.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Key)
	}
	return out
}

func assertEntriesEqual(t *testing.T, want, got index.Entry) {
	t.Helper()

	if want.Key != got.Key || want.OutputPath != got.OutputPath || want.Fingerprint != got.Fingerprint ||
		want.SourcePath != got.SourcePath || want.Params != got.Params {
		t.Fatalf("entry mismatch:\nwant %+v\n got %+v", want, got)
	}
	if !want.InsertedAt.Equal(got.InsertedAt) {
		t.Fatalf("InsertedAt mismatch: want %v got %v", want.InsertedAt, got.InsertedAt)
	}
}

// MemoryIndexFactory returns a factory producing in-memory indexes, useful
// for exercising consumers without touching disk.
func MemoryIndexFactory() CacheIndexFactory {
	return func(tb testing.TB) index.CacheIndex {
		tb.Helper()
		return NewMemoryIndex()
	}
}

// NewMemoryIndex returns a map-backed CacheIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]index.Entry)}
}

// MemoryIndex is a map-backed CacheIndex. Failures can be injected per
// operation to exercise error paths.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]index.Entry

	// PutErr, when set, is returned by every Put.
	PutErr error
}

func (m *MemoryIndex) Put(ctx context.Context, entry index.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.Key == "" {
		return index.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return m.PutErr
	}
	m.entries[entry.Key] = index.Normalize(entry)
	return nil
}

func (m *MemoryIndex) Get(ctx context.Context, key string) (index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return index.Entry{}, err
	}
	if key == "" {
		return index.Entry{}, index.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return index.Entry{}, index.ErrNotFound
	}
	return entry, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return index.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryIndex) List(ctx context.Context) ([]index.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]index.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	index.SortByAge(out)
	return out, nil
}

func (m *MemoryIndex) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *MemoryIndex) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]index.Entry)
	return nil
}

func (m *MemoryIndex) Close() error { return nil }

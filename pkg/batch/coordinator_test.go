package batch_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigrisdata/fluxcoach/pkg/batch"
	"github.com/tigrisdata/fluxcoach/pkg/cache"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index/indextest"
	"github.com/tigrisdata/fluxcoach/pkg/forge"
)

type stubEnhancer struct {
	mu sync.Mutex

	batches   [][]string
	batchData [][][]byte
	singles   []string
	colorized []string

	batchErr    error
	batchFn     func(ctx context.Context, req forge.BatchRequest) (forge.BatchResponse, error)
	singleErrs  map[string][]error
	singleFail  map[string]error
	colorizeErr error
	colorOut    []byte
}

func newStubEnhancer() *stubEnhancer {
	return &stubEnhancer{singleErrs: map[string][]error{}, singleFail: map[string]error{}}
}

func (s *stubEnhancer) EnhanceBatch(ctx context.Context, req forge.BatchRequest) (forge.BatchResponse, error) {
	s.mu.Lock()
	names := make([]string, 0, len(req.Images))
	data := make([][]byte, 0, len(req.Images))
	for _, img := range req.Images {
		names = append(names, img.Name)
		data = append(data, img.Data)
	}
	s.batches = append(s.batches, names)
	s.batchData = append(s.batchData, data)
	fn, batchErr := s.batchFn, s.batchErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if batchErr != nil {
		return forge.BatchResponse{}, batchErr
	}
	resp := forge.BatchResponse{ID: req.ID}
	for _, img := range req.Images {
		resp.Results = append(resp.Results, forge.Result{Name: img.Name, Data: img.Data})
	}
	return resp, nil
}

func (s *stubEnhancer) Enhance(_ context.Context, req forge.ItemRequest) (forge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := req.Image.Name
	s.singles = append(s.singles, name)
	if err := s.singleFail[name]; err != nil {
		return forge.Result{}, err
	}
	if queue := s.singleErrs[name]; len(queue) > 0 {
		s.singleErrs[name] = queue[1:]
		return forge.Result{}, queue[0]
	}
	return forge.Result{Name: name, Data: req.Image.Data}, nil
}

func (s *stubEnhancer) Colorize(_ context.Context, req forge.ItemRequest) (forge.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.colorized = append(s.colorized, req.Image.Name)
	if s.colorizeErr != nil {
		return forge.Result{}, s.colorizeErr
	}
	return forge.Result{Name: req.Image.Name, Data: s.colorOut}, nil
}

func (s *stubEnhancer) batchNames() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func (s *stubEnhancer) singleNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.singles...)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type countingMetrics struct {
	mu        sync.Mutex
	hits      int
	batches   int
	retried   int
	completed int
	failed    map[string]int
}

func (m *countingMetrics) RecordCacheHit(batch.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *countingMetrics) RecordBatch(int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *countingMetrics) RecordRetried(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
}

func (m *countingMetrics) RecordCompleted(batch.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *countingMetrics) RecordFailed(_ batch.Result, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = map[string]int{}
	}
	m.failed[reason]++
}

type recordingLogger struct {
	mu    sync.Mutex
	warns int
}

func (l *recordingLogger) Debugf(string, ...any) {}
func (l *recordingLogger) Infof(string, ...any)  {}
func (l *recordingLogger) Errorf(string, ...any) {}
func (l *recordingLogger) Warnf(string, ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns++
}

type fixture struct {
	t        *testing.T
	srcDir   string
	outDir   string
	cache    *cache.ContentCache
	enhancer *stubEnhancer
	sleeper  *recordingSleeper
	metrics  *countingMetrics
	logger   *recordingLogger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	c := cache.New(filepath.Join(root, "cache"), indextest.NewMemoryIndex())
	t.Cleanup(func() { _ = c.Close() })
	f := &fixture{
		t:        t,
		srcDir:   filepath.Join(root, "src"),
		outDir:   filepath.Join(root, "out"),
		cache:    c,
		enhancer: newStubEnhancer(),
		sleeper:  &recordingSleeper{},
		metrics:  &countingMetrics{},
		logger:   &recordingLogger{},
	}
	require.NoError(t, os.MkdirAll(f.srcDir, 0o755))
	return f
}

func (f *fixture) coordinator(cfg batch.Config, opts ...batch.Option) *batch.Coordinator {
	f.t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = f.outDir
	}
	base := []batch.Option{
		batch.WithSleeper(f.sleeper),
		batch.WithMetrics(f.metrics),
		batch.WithLogger(f.logger),
		batch.WithJitter(func() float64 { return 1 }),
	}
	co, err := batch.New(f.enhancer, f.cache, cfg, append(base, opts...)...)
	require.NoError(f.t, err)
	return co
}

// resetEnhancer starts a fresh call log for the next run.
func (f *fixture) resetEnhancer() *stubEnhancer {
	f.enhancer = newStubEnhancer()
	return f.enhancer
}

func (f *fixture) process(co *batch.Coordinator, paths []string, params batch.Params) batch.Report {
	f.t.Helper()
	report, err := co.Process(context.Background(), paths, params)
	require.NoError(f.t, err)
	requireOrdered(f.t, report, paths)
	return report
}

func pngBytes(t testing.TB, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) writeSource(name string, c color.RGBA) string {
	f.t.Helper()
	path := filepath.Join(f.srcDir, name)
	require.NoError(f.t, os.WriteFile(path, pngBytes(f.t, c), 0o644))
	return path
}

// sources writes n distinct color images.
func (f *fixture) sources(n int) []string {
	f.t.Helper()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = f.writeSource(
			filepath.Base(f.t.Name())+string(rune('a'+i))+".png",
			color.RGBA{R: uint8(100 + 10*i), G: 20, B: 10, A: 255},
		)
	}
	return paths
}

func requireOrdered(t *testing.T, report batch.Report, paths []string) {
	t.Helper()
	require.Len(t, report.Results, len(paths))
	for i, res := range report.Results {
		require.Equal(t, i, res.Index)
		require.Equal(t, paths[i], res.Source)
		require.NotEqual(t, batch.StatusPending, res.Status, "slot %d unresolved", i)
	}
}

func statuses(report batch.Report) []batch.Status {
	out := make([]batch.Status, len(report.Results))
	for i, res := range report.Results {
		out[i] = res.Status
	}
	return out
}

func outputs(report batch.Report) []string {
	out := make([]string, len(report.Results))
	for i, res := range report.Results {
		out[i] = res.Output
	}
	return out
}

func transportErr() error {
	return &forge.TransportError{Endpoint: "/sdapi/v1/extra-batch-images", StatusCode: 503}
}

func TestProcessKeepsOneResultPerInputInOrder(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(5)
	paths[2] = filepath.Join(f.srcDir, "missing.png")

	report := f.process(f.coordinator(batch.Config{}), paths, batch.DefaultParams())

	assert.Equal(t, []batch.Status{
		batch.StatusProcessed, batch.StatusProcessed, batch.StatusFailed, batch.StatusProcessed, batch.StatusProcessed,
	}, statuses(report))
	var fileErr *cache.FileError
	require.ErrorAs(t, report.Results[2].Err, &fileErr)
	assert.Equal(t, "read", fileErr.Op)
	assert.ErrorIs(t, report.Results[2].Err, os.ErrNotExist)

	assert.Equal(t, [][]string{{"item-0", "item-1", "item-3", "item-4"}}, f.enhancer.batchNames())
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.BatchCalls)

	for _, i := range []int{0, 1, 3, 4} {
		res := report.Results[i]
		assert.Equal(t, f.outDir, filepath.Dir(res.Output))
		assert.Contains(t, filepath.Base(res.Output), "_enhanced_"+res.Key[:12]+".png")
		assert.FileExists(t, res.Output)
	}
}

func TestRerunMakesNoRemoteCalls(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(3)
	params := batch.DefaultParams()

	first := f.process(f.coordinator(batch.Config{}), paths, params)
	require.Equal(t, 3, first.Processed)

	stub := f.resetEnhancer()
	second := f.process(f.coordinator(batch.Config{}), paths, params)

	assert.Zero(t, second.RemoteCalls())
	assert.Empty(t, stub.batchNames())
	assert.Equal(t, 3, second.CacheHits)
	assert.Equal(t, outputs(first), outputs(second))
	assert.Equal(t, 3, f.metrics.hits)
}

func TestOnlyUncachedItemsAreBatched(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(4)
	params := batch.DefaultParams()

	f.process(f.coordinator(batch.Config{}), []string{paths[1], paths[3]}, params)

	stub := f.resetEnhancer()
	report := f.process(f.coordinator(batch.Config{}), paths, params)

	assert.Equal(t, [][]string{{"item-0", "item-2"}}, stub.batchNames())
	assert.Equal(t, []batch.Status{
		batch.StatusProcessed, batch.StatusCached, batch.StatusProcessed, batch.StatusCached,
	}, statuses(report))
	assert.Equal(t, 1, report.BatchCalls)
	assert.Zero(t, report.FallbackCalls)
}

func TestBatchTransportFailureFallsBackInOrder(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(4)
	params := batch.DefaultParams()

	f.enhancer.batchErr = transportErr()
	f.enhancer.singleFail["item-2"] = &forge.UnsupportedFormatError{Name: "item-2", Detail: "422"}

	report := f.process(f.coordinator(batch.Config{}), paths, params)

	assert.Equal(t, []string{"item-0", "item-1", "item-2", "item-3"}, f.enhancer.singleNames())
	assert.Equal(t, []batch.Status{
		batch.StatusProcessed, batch.StatusProcessed, batch.StatusFailed, batch.StatusProcessed,
	}, statuses(report))
	var unsupported *forge.UnsupportedFormatError
	assert.ErrorAs(t, report.Results[2].Err, &unsupported)
	assert.Equal(t, 1, report.BatchCalls)
	assert.Equal(t, 4, report.FallbackCalls)
	assert.Equal(t, 1, f.metrics.failed["format"])

	stub := f.resetEnhancer()
	again := f.process(f.coordinator(batch.Config{}), paths, params)
	assert.Equal(t, [][]string{{"item-2"}}, stub.batchNames())
	assert.Equal(t, []batch.Status{
		batch.StatusCached, batch.StatusCached, batch.StatusProcessed, batch.StatusCached,
	}, statuses(again))
}

func TestBatchOutputMismatchFallsBack(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	f.enhancer.batchFn = func(_ context.Context, req forge.BatchRequest) (forge.BatchResponse, error) {
		return forge.BatchResponse{Results: []forge.Result{
			{Name: "item-0", Data: req.Images[0].Data},
			{Name: "item-0", Data: req.Images[0].Data},
		}}, nil
	}

	report := f.process(f.coordinator(batch.Config{}), paths, batch.DefaultParams())

	assert.Equal(t, []string{"item-0", "item-1"}, f.enhancer.singleNames())
	assert.Equal(t, 2, report.Processed)
}

func TestParameterChangeCreatesSecondEntry(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)

	params := batch.DefaultParams()
	first := f.process(f.coordinator(batch.Config{}), paths, params)

	params.Scale = 4
	second := f.process(f.coordinator(batch.Config{}), paths, params)

	assert.Equal(t, batch.StatusProcessed, second.Results[0].Status)
	assert.NotEqual(t, first.Results[0].Key, second.Results[0].Key)
	assert.NotEqual(t, first.Results[0].Output, second.Results[0].Output)
	assert.FileExists(t, first.Results[0].Output)
	assert.FileExists(t, second.Results[0].Output)

	n, err := f.cache.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestChangedSourceInvalidatesOnlyThatEntry(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(3)
	params := batch.DefaultParams()
	f.process(f.coordinator(batch.Config{}), paths, params)

	require.NoError(t, os.WriteFile(paths[1], pngBytes(t, color.RGBA{R: 1, G: 200, B: 30, A: 255}), 0o644))

	stub := f.resetEnhancer()
	report := f.process(f.coordinator(batch.Config{}), paths, params)

	assert.Equal(t, []batch.Status{batch.StatusCached, batch.StatusProcessed, batch.StatusCached}, statuses(report))
	assert.Equal(t, [][]string{{"item-1"}}, stub.batchNames())
}

func TestDeletedArtifactIsRegenerated(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	params := batch.DefaultParams()
	first := f.process(f.coordinator(batch.Config{}), paths, params)

	require.NoError(t, os.Remove(first.Results[0].Output))

	f.resetEnhancer()
	report := f.process(f.coordinator(batch.Config{}), paths, params)
	assert.Equal(t, []batch.Status{batch.StatusProcessed, batch.StatusCached}, statuses(report))
	assert.FileExists(t, report.Results[0].Output)
}

func TestFallbackRetriesTransportErrorsWithBackoff(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)
	f.enhancer.batchErr = transportErr()
	f.enhancer.singleErrs["item-0"] = []error{transportErr(), transportErr()}

	report := f.process(f.coordinator(batch.Config{}), paths, batch.DefaultParams())

	assert.Equal(t, batch.StatusProcessed, report.Results[0].Status)
	assert.Equal(t, 3, report.FallbackCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeper.delays)
	assert.Equal(t, 2, f.metrics.retried)
}

func TestFallbackGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	f.enhancer.batchErr = transportErr()
	f.enhancer.singleFail["item-0"] = transportErr()

	co := f.coordinator(batch.Config{Retry: batch.RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Second, MaxDelay: 25 * time.Second}})
	report := f.process(co, paths, batch.DefaultParams())

	assert.Equal(t, []batch.Status{batch.StatusFailed, batch.StatusProcessed}, statuses(report))
	assert.True(t, forge.IsRetryable(report.Results[0].Err))
	assert.Equal(t, 5, report.FallbackCalls)
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second, 25 * time.Second}, f.sleeper.delays)
	assert.Equal(t, 1, f.metrics.failed["remote"])
}

func TestProtocolErrorIsNotRetried(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)
	f.enhancer.batchErr = transportErr()
	f.enhancer.singleFail["item-0"] = &forge.ProtocolError{Endpoint: "/sdapi/v1/img2img", StatusCode: 404}

	report := f.process(f.coordinator(batch.Config{}), paths, batch.DefaultParams())

	assert.Equal(t, batch.StatusFailed, report.Results[0].Status)
	assert.Equal(t, 1, report.FallbackCalls)
	assert.Empty(t, f.sleeper.delays)
}

func TestBatchSizeSplitsRequests(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(5)

	report := f.process(f.coordinator(batch.Config{BatchSize: 2}), paths, batch.DefaultParams())

	assert.Equal(t, [][]string{{"item-0", "item-1"}, {"item-2", "item-3"}, {"item-4"}}, f.enhancer.batchNames())
	assert.Equal(t, 3, report.BatchCalls)
	assert.Equal(t, 5, report.Processed)
}

func TestFailedChunkDoesNotAffectOtherChunks(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(4)
	calls := 0
	f.enhancer.batchFn = func(_ context.Context, req forge.BatchRequest) (forge.BatchResponse, error) {
		calls++
		if calls == 1 {
			return forge.BatchResponse{}, transportErr()
		}
		resp := forge.BatchResponse{}
		for _, img := range req.Images {
			resp.Results = append(resp.Results, forge.Result{Name: img.Name, Data: img.Data})
		}
		return resp, nil
	}

	report := f.process(f.coordinator(batch.Config{BatchSize: 2}), paths, batch.DefaultParams())

	assert.Equal(t, []string{"item-0", "item-1"}, f.enhancer.singleNames())
	assert.Equal(t, 4, report.Processed)
}

func TestDuplicateInputsShareOneSubmission(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)
	paths = append(paths, paths[0])

	report := f.process(f.coordinator(batch.Config{}), paths, batch.DefaultParams())

	assert.Equal(t, [][]string{{"item-0"}}, f.enhancer.batchNames())
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, report.Results[0].Output, report.Results[1].Output)
	assert.Equal(t, 1, report.Results[1].Index)
}

func TestNoCacheSkipsLookupAndInsert(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	params := batch.DefaultParams()

	f.process(f.coordinator(batch.Config{NoCache: true}), paths, params)
	f.resetEnhancer()
	report := f.process(f.coordinator(batch.Config{NoCache: true}), paths, params)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.BatchCalls)
	n, err := f.cache.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForceReprocessStillRecordsOutputs(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	params := batch.DefaultParams()

	f.process(f.coordinator(batch.Config{}), paths, params)
	f.resetEnhancer()
	forced := f.process(f.coordinator(batch.Config{ForceReprocess: true}), paths, params)
	assert.Equal(t, 2, forced.Processed)
	assert.Equal(t, 1, forced.BatchCalls)

	f.resetEnhancer()
	cached := f.process(f.coordinator(batch.Config{}), paths, params)
	assert.Equal(t, 2, cached.CacheHits)
}

func TestNilCacheDisablesCaching(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)

	co, err := batch.New(f.enhancer, nil, batch.Config{OutputDir: f.outDir}, batch.WithLogger(f.logger))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		report, err := co.Process(context.Background(), paths, batch.DefaultParams())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Processed)
	}
	assert.Len(t, f.enhancer.batchNames(), 2)
}

type failingLookupCache struct {
	inserts int
}

func (c *failingLookupCache) Lookup(context.Context, string, ...cache.LookupOption) (index.Entry, bool, error) {
	return index.Entry{}, false, errors.New("index unavailable")
}

func (c *failingLookupCache) Insert(_ context.Context, key, out, fp string, _ ...cache.InsertOption) (index.Entry, error) {
	c.inserts++
	return index.Entry{Key: key, OutputPath: out, Fingerprint: fp}, nil
}

func TestLookupFailureDegradesToMiss(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	stub := &failingLookupCache{}

	co, err := batch.New(f.enhancer, stub, batch.Config{OutputDir: f.outDir}, batch.WithLogger(f.logger))
	require.NoError(t, err)
	report, err := co.Process(context.Background(), paths, batch.DefaultParams())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, stub.inserts)
	assert.Equal(t, 2, f.logger.warns)
}

func TestGrayscaleSourceIsColorizedBeforeBatching(t *testing.T) {
	f := newFixture(t)
	gray := f.writeSource("gray.png", color.RGBA{R: 90, G: 90, B: 90, A: 255})
	colored := f.writeSource("color.png", color.RGBA{R: 200, G: 40, B: 10, A: 255})
	f.enhancer.colorOut = pngBytes(t, color.RGBA{R: 10, G: 120, B: 200, A: 255})

	params := batch.DefaultParams()
	report := f.process(f.coordinator(batch.Config{}), []string{gray, colored}, params)

	assert.Equal(t, []string{"item-0"}, f.enhancer.colorized)
	require.Len(t, f.enhancer.batchData, 1)
	assert.Equal(t, f.enhancer.colorOut, f.enhancer.batchData[0][0])
	assert.True(t, report.Results[0].Colorized)
	assert.False(t, report.Results[1].Colorized)
	assert.Equal(t, 1, report.ColorizeCalls)

	params.AutoColorize = false
	f.resetEnhancer()
	plain := f.process(f.coordinator(batch.Config{}), []string{gray}, params)
	assert.Equal(t, batch.StatusProcessed, plain.Results[0].Status, "colorize flag is part of the key")
	assert.NotEqual(t, report.Results[0].Key, plain.Results[0].Key)
}

func TestColorizeFailureFailsOnlyThatItem(t *testing.T) {
	f := newFixture(t)
	gray := f.writeSource("gray.png", color.RGBA{R: 90, G: 90, B: 90, A: 255})
	colored := f.writeSource("color.png", color.RGBA{R: 200, G: 40, B: 10, A: 255})
	f.enhancer.colorizeErr = &forge.ProtocolError{Endpoint: "/sdapi/v1/img2img", Reason: "no image"}

	report := f.process(f.coordinator(batch.Config{}), []string{gray, colored}, batch.DefaultParams())

	assert.Equal(t, []batch.Status{batch.StatusFailed, batch.StatusProcessed}, statuses(report))
	assert.Equal(t, [][]string{{"item-1"}}, f.enhancer.batchNames())
	assert.Equal(t, 1, f.metrics.failed["colorize"])
}

func TestCancelledContextResolvesEverySlot(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.coordinator(batch.Config{}).Process(ctx, paths, batch.DefaultParams())
	require.ErrorIs(t, err, context.Canceled)
	requireOrdered(t, report, paths)
	for _, res := range report.Results {
		assert.Equal(t, batch.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Zero(t, report.RemoteCalls())
}

func TestCancellationDuringBatchStopsFallback(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.enhancer.batchFn = func(ctx context.Context, _ forge.BatchRequest) (forge.BatchResponse, error) {
		cancel()
		return forge.BatchResponse{}, ctx.Err()
	}

	report, err := f.coordinator(batch.Config{}).Process(ctx, paths, batch.DefaultParams())
	require.ErrorIs(t, err, context.Canceled)
	requireOrdered(t, report, paths)
	assert.Empty(t, f.enhancer.singleNames())
	assert.Equal(t, 3, report.Failed)
}

func TestConcurrentFallbackOwnsItsSlots(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(8)
	f.enhancer.batchErr = transportErr()
	f.enhancer.singleFail["item-5"] = &forge.ProtocolError{Reason: "rejected"}

	report := f.process(f.coordinator(batch.Config{FallbackConcurrency: 3}), paths, batch.DefaultParams())

	assert.Len(t, f.enhancer.singleNames(), 8)
	assert.Equal(t, 7, report.Processed)
	assert.Equal(t, batch.StatusFailed, report.Results[5].Status)
	for i, res := range report.Results {
		if i == 5 {
			continue
		}
		stem := strings.TrimSuffix(filepath.Base(paths[i]), ".png")
		assert.True(t, strings.HasPrefix(filepath.Base(res.Output), stem+"_enhanced_"), res.Output)
	}
}

func TestPausedGateHoldsSubmissions(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(2)
	gate := &batch.Gate{}
	require.NoError(t, gate.PauseSubmissions(context.Background()))

	co := f.coordinator(batch.Config{}, batch.WithGate(gate))
	done := make(chan batch.Report, 1)
	go func() {
		report, _ := co.Process(context.Background(), paths, batch.DefaultParams())
		done <- report
	}()

	select {
	case <-done:
		t.Fatal("process finished while submissions were paused")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, f.enhancer.batchNames())

	require.NoError(t, gate.ResumeSubmissions(context.Background()))
	select {
	case report := <-done:
		assert.Equal(t, 2, report.Processed)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish after resume")
	}
}

func TestInvalidParamsAreRejectedBeforeAnyWork(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)
	params := batch.DefaultParams()
	params.Scale = 9

	_, err := f.coordinator(batch.Config{}).Process(context.Background(), paths, params)
	var invalid *batch.InvalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.Empty(t, f.enhancer.batchNames())
}

func TestJPEGOutputIsConverted(t *testing.T) {
	f := newFixture(t)
	paths := f.sources(1)
	params := batch.DefaultParams()
	params.OutputFormat = "jpg"

	report := f.process(f.coordinator(batch.Config{}), paths, params)

	out := report.Results[0].Output
	assert.Equal(t, ".jpg", filepath.Ext(out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])
}

func TestNewValidatesConfig(t *testing.T) {
	enhancer := newStubEnhancer()

	_, err := batch.New(nil, nil, batch.Config{OutputDir: t.TempDir()})
	assert.Error(t, err)

	_, err = batch.New(enhancer, nil, batch.Config{})
	assert.Error(t, err)

	_, err = batch.New(enhancer, nil, batch.Config{OutputDir: t.TempDir(), BatchSize: -1})
	assert.Error(t, err)
}

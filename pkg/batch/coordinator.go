// Package batch resolves a list of source images into enhanced outputs,
// serving what it can from the content cache, submitting the rest to the
// enhancement service in batches, and falling back to per-item requests
// when a batch call fails as a whole.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/cache"
	"github.com/tigrisdata/fluxcoach/pkg/cache/files"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
	"github.com/tigrisdata/fluxcoach/pkg/forge"
	"github.com/tigrisdata/fluxcoach/pkg/imaging"
)

const keyPrefixLen = 12

// Enhancer is the remote service surface the coordinator needs.
type Enhancer interface {
	EnhanceBatch(ctx context.Context, req forge.BatchRequest) (forge.BatchResponse, error)
	Enhance(ctx context.Context, req forge.ItemRequest) (forge.Result, error)
	Colorize(ctx context.Context, req forge.ItemRequest) (forge.Result, error)
}

// Cache is the content cache surface the coordinator needs.
type Cache interface {
	Lookup(ctx context.Context, key string, opts ...cache.LookupOption) (index.Entry, bool, error)
	Insert(ctx context.Context, key, outputPath, fingerprint string, opts ...cache.InsertOption) (index.Entry, error)
}

// Logger captures structured output for the coordinator.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls coordinator behaviour.
type Config struct {
	// BatchSize caps the items per batch request. Zero sends every pending
	// item in one request.
	BatchSize int
	// FallbackConcurrency bounds parallel per-item requests. Values below 2
	// process fallbacks sequentially.
	FallbackConcurrency int
	OutputDir           string
	// NoCache skips both lookups and inserts.
	NoCache bool
	// ForceReprocess skips lookups but still records fresh outputs.
	ForceReprocess bool
	Retry          RetryPolicy
}

// Option customises coordinator construction.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSleeper overrides the backoff sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(c *Coordinator) {
		c.sleeper = sleeper
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithStore sets the artifact writer, typically one wired to the fail-safe
// monitor.
func WithStore(store *files.Store) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithInspector replaces source inspection.
func WithInspector(inspect func([]byte) (imaging.Info, error)) Option {
	return func(c *Coordinator) {
		c.inspect = inspect
	}
}

// WithJitter replaces the backoff jitter factor source.
func WithJitter(jitter func() float64) Option {
	return func(c *Coordinator) {
		c.jitter = jitter
	}
}

// WithGate shares a submission gate, usually with the fail-safe monitor.
func WithGate(gate *Gate) Option {
	return func(c *Coordinator) {
		c.gate = gate
	}
}

// Coordinator runs Process calls. A single coordinator may serve several
// sequential or concurrent calls.
type Coordinator struct {
	cfg      Config
	enhancer Enhancer
	cache    Cache
	logger   Logger
	sleeper  Sleeper
	metrics  Metrics
	store    *files.Store
	inspect  func([]byte) (imaging.Info, error)
	jitter   func() float64
	gate     *Gate
}

// New constructs a coordinator. A nil cache disables caching.
func New(enhancer Enhancer, c Cache, cfg Config, opts ...Option) (*Coordinator, error) {
	if enhancer == nil {
		return nil, errors.New("batch: enhancer is required")
	}
	if cfg.OutputDir == "" {
		return nil, errors.New("batch: output directory is required")
	}
	if cfg.BatchSize < 0 {
		return nil, fmt.Errorf("batch: batch size must not be negative, got %d", cfg.BatchSize)
	}
	cfg.Retry = cfg.Retry.withDefaults()

	co := &Coordinator{
		cfg:      cfg,
		enhancer: enhancer,
		cache:    c,
		logger:   defaultLogger(),
		sleeper:  realSleeper{},
		metrics:  noopMetrics{},
		inspect:  imaging.Inspect,
		jitter:   defaultJitter,
	}
	for _, opt := range opts {
		opt(co)
	}

	if co.logger == nil {
		co.logger = defaultLogger()
	}
	if co.sleeper == nil {
		co.sleeper = realSleeper{}
	}
	if co.metrics == nil {
		co.metrics = noopMetrics{}
	}
	if co.store == nil {
		co.store = files.NewStore()
	}
	if co.inspect == nil {
		co.inspect = imaging.Inspect
	}
	if co.jitter == nil {
		co.jitter = defaultJitter
	}
	if co.gate == nil {
		co.gate = &Gate{}
	}
	return co, nil
}

// item is one unit of remote work. Duplicate inputs share an item and every
// owning index is resolved from its outcome.
type item struct {
	name      string
	indices   []int
	source    string
	data      []byte
	info      imaging.Info
	colorize  bool
	colorized bool
	canonical string
	key       string
	fp        string
}

func (it *item) image() forge.Image {
	return forge.Image{Name: it.name, Data: it.data, Width: it.info.Width, Height: it.info.Height}
}

// run is the state of a single Process call.
type run struct {
	co      *Coordinator
	id      string
	params  Params
	opts    forge.Options
	paths   []string
	results []Result
	done    []bool

	batchCalls    atomic.Int64
	fallbackCalls atomic.Int64
	colorizeCalls atomic.Int64
}

// Process resolves every path into a Result. Report.Results has exactly one
// entry per path, in input order. Per-item failures are reported in the
// results. The returned error is non-nil only for invalid parameters, an
// unusable output directory, or cancellation, in which case the report is
// still complete.
func (c *Coordinator) Process(ctx context.Context, paths []string, params Params) (Report, error) {
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		return Report{}, err
	}
	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("batch: create output directory: %w", err)
	}

	r := &run{
		co:      c,
		id:      uuid.NewString(),
		params:  params,
		opts:    params.forgeOptions(),
		paths:   paths,
		results: make([]Result, len(paths)),
		done:    make([]bool, len(paths)),
	}

	started := time.Now()
	pending := r.partition(ctx)
	pending = r.colorizeAll(ctx, pending)
	fallback := r.submitBatches(ctx, pending)
	r.fallback(ctx, fallback)

	report := r.assemble(ctx)
	c.logger.Infof("batch %s: %d inputs, %d cached, %d processed, %d failed, %d remote calls in %s",
		r.id, len(paths), report.CacheHits, report.Processed, report.Failed, report.RemoteCalls(),
		time.Since(started).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// partition resolves unreadable, unsupported and cached inputs and returns
// the remaining work, deduplicated by cache key, in first-seen order.
func (r *run) partition(ctx context.Context) []*item {
	co := r.co
	var pending []*item
	byKey := make(map[string]*item)

	for i, path := range r.paths {
		if ctx.Err() != nil {
			return pending
		}

		data, err := os.ReadFile(path)
		if err != nil {
			r.fail([]int{i}, "", &cache.FileError{Op: "read", Path: path, Err: err}, metricReasonRead)
			continue
		}
		info, err := co.inspect(data)
		if err != nil {
			r.fail([]int{i}, "", err, metricReasonFormat)
			continue
		}

		colorize := r.params.AutoColorize && info.Grayscale
		canonical, err := r.params.ItemParameters(colorize).Canonical()
		if err != nil {
			r.fail([]int{i}, "", err, metricReasonFormat)
			continue
		}
		fp := cache.FingerprintBytes(data)
		key := cache.KeyFromCanonical(fp, canonical)

		if hit, ok := r.lookup(ctx, i, key, fp); ok {
			r.resolve([]int{i}, hit)
			co.metrics.RecordCacheHit(hit)
			continue
		}

		if existing, ok := byKey[key]; ok {
			co.logger.Debugf("batch %s: %s duplicates %s", r.id, path, existing.source)
			existing.indices = append(existing.indices, i)
			continue
		}

		source := path
		if abs, err := filepath.Abs(path); err == nil {
			source = abs
		}
		it := &item{
			name:      fmt.Sprintf("item-%d", i),
			indices:   []int{i},
			source:    source,
			data:      data,
			info:      info,
			colorize:  colorize,
			canonical: canonical,
			key:       key,
			fp:        fp,
		}
		byKey[key] = it
		pending = append(pending, it)
	}
	return pending
}

// lookup consults the cache. Index failures degrade to a miss.
func (r *run) lookup(ctx context.Context, i int, key, fp string) (Result, bool) {
	co := r.co
	if co.cache == nil || co.cfg.NoCache || co.cfg.ForceReprocess {
		return Result{}, false
	}
	entry, ok, err := co.cache.Lookup(ctx, key, cache.WithFingerprint(fp))
	if err != nil {
		if ctx.Err() == nil {
			co.logger.Warnf("batch %s: cache lookup for %s failed, treating as miss: %v", r.id, r.paths[i], err)
		}
		return Result{}, false
	}
	if !ok {
		return Result{}, false
	}
	return Result{Output: entry.OutputPath, Key: key, Status: StatusCached}, true
}

// colorizeAll replaces the data of grayscale items with a colorized
// rendition. Items whose colorization fails are resolved as failed.
func (r *run) colorizeAll(ctx context.Context, pending []*item) []*item {
	co := r.co
	kept := make([]*item, 0, len(pending))
	for idx, it := range pending {
		if !it.colorize {
			kept = append(kept, it)
			continue
		}
		if ctx.Err() != nil {
			return append(kept, pending[idx:]...)
		}
		var out forge.Result
		err := co.withRetry(ctx, it.name, func(ctx context.Context) error {
			r.colorizeCalls.Add(1)
			var err error
			out, err = co.enhancer.Colorize(ctx, forge.ItemRequest{ID: r.id, Image: it.image(), Options: r.opts})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return append(kept, pending[idx:]...)
			}
			co.logger.Warnf("batch %s: colorize %s failed: %v", r.id, it.source, err)
			r.fail(it.indices, it.key, err, metricReasonColorize)
			continue
		}
		it.data = out.Data
		it.colorized = true
		kept = append(kept, it)
	}
	return kept
}

// chunks splits pending into batch requests of at most BatchSize items.
func (r *run) chunks(pending []*item) [][]*item {
	size := r.co.cfg.BatchSize
	if size <= 0 || size >= len(pending) {
		if len(pending) == 0 {
			return nil
		}
		return [][]*item{pending}
	}
	out := make([][]*item, 0, (len(pending)+size-1)/size)
	for start := 0; start < len(pending); start += size {
		end := min(start+size, len(pending))
		out = append(out, pending[start:end])
	}
	return out
}

// submitBatches sends each chunk as one batch request and returns the items
// of chunks that failed as a whole, in original order.
func (r *run) submitBatches(ctx context.Context, pending []*item) []*item {
	co := r.co
	var fallback []*item
	chunks := r.chunks(pending)
	for n, chunk := range chunks {
		if ctx.Err() != nil {
			return fallback
		}
		if err := co.gate.Wait(ctx); err != nil {
			return fallback
		}

		images := make([]forge.Image, 0, len(chunk))
		for _, it := range chunk {
			images = append(images, it.image())
		}
		r.batchCalls.Add(1)
		resp, err := co.enhancer.EnhanceBatch(ctx, forge.BatchRequest{ID: r.id, Images: images, Options: r.opts})
		var outputs map[string][]byte
		if err == nil {
			outputs, err = mapOutputs(chunk, resp)
		}
		co.metrics.RecordBatch(len(chunk), err)
		if err != nil {
			if ctx.Err() != nil {
				return fallback
			}
			co.logger.Warnf("batch %s: chunk %d/%d of %d items failed, falling back to single requests: %v",
				r.id, n+1, len(chunks), len(chunk), err)
			fallback = append(fallback, chunk...)
			continue
		}

		for _, it := range chunk {
			r.store(ctx, it, outputs[it.name])
		}
	}
	return fallback
}

// mapOutputs pairs batch outputs with submitted items by name.
func mapOutputs(chunk []*item, resp forge.BatchResponse) (map[string][]byte, error) {
	if len(resp.Results) != len(chunk) {
		return nil, &forge.ProtocolError{
			Reason: fmt.Sprintf("batch returned %d outputs for %d items", len(resp.Results), len(chunk)),
		}
	}
	want := make(map[string]struct{}, len(chunk))
	for _, it := range chunk {
		want[it.name] = struct{}{}
	}
	outputs := make(map[string][]byte, len(chunk))
	for _, res := range resp.Results {
		if _, ok := want[res.Name]; !ok {
			return nil, &forge.ProtocolError{Reason: fmt.Sprintf("batch returned unknown output %q", res.Name)}
		}
		if _, dup := outputs[res.Name]; dup {
			return nil, &forge.ProtocolError{Reason: fmt.Sprintf("batch returned output %q twice", res.Name)}
		}
		outputs[res.Name] = res.Data
	}
	return outputs, nil
}

// fallback processes items one request at a time, in order, optionally on a
// bounded worker pool. Each worker resolves only the slots of its own item.
func (r *run) fallback(ctx context.Context, items []*item) {
	co := r.co
	if len(items) == 0 {
		return
	}
	if co.cfg.FallbackConcurrency < 2 {
		for _, it := range items {
			if ctx.Err() != nil {
				return
			}
			r.processSingle(ctx, it)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(co.cfg.FallbackConcurrency)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		it := it
		g.Go(func() error {
			if ctx.Err() == nil {
				r.processSingle(ctx, it)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) processSingle(ctx context.Context, it *item) {
	co := r.co
	var out forge.Result
	err := co.withRetry(ctx, it.name, func(ctx context.Context) error {
		r.fallbackCalls.Add(1)
		var err error
		out, err = co.enhancer.Enhance(ctx, forge.ItemRequest{ID: r.id, Image: it.image(), Options: r.opts})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		reason := metricReasonRemote
		var unsupported *forge.UnsupportedFormatError
		if errors.As(err, &unsupported) {
			reason = metricReasonFormat
		}
		co.logger.Warnf("batch %s: %s failed: %v", r.id, it.source, err)
		r.fail(it.indices, it.key, err, reason)
		return
	}
	r.store(ctx, it, out.Data)
}

// store converts, writes and records one produced image.
func (r *run) store(ctx context.Context, it *item, data []byte) {
	co := r.co
	encoded, format, err := imaging.Encode(data, r.params.Format())
	if err != nil {
		r.fail(it.indices, it.key, err, metricReasonFormat)
		return
	}

	output := filepath.Join(co.cfg.OutputDir, outputName(it.source, it.key, format))
	if err := co.store.Write(ctx, output, encoded); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.fail(it.indices, it.key, fmt.Errorf("batch: write %s: %w", output, err), metricReasonWrite)
		return
	}

	if co.cache != nil && !co.cfg.NoCache {
		_, err := co.cache.Insert(ctx, it.key, output, it.fp,
			cache.WithSource(it.source), cache.WithParams(it.canonical))
		if err != nil {
			co.logger.Warnf("batch %s: cache insert for %s failed: %v", r.id, it.source, err)
		}
	}

	res := Result{Output: output, Key: it.key, Status: StatusProcessed, Colorized: it.colorized}
	r.resolve(it.indices, res)
	co.metrics.RecordCompleted(res)
}

// outputName is <stem>_enhanced_<key prefix>.<ext>.
func outputName(source, key string, format imaging.Format) string {
	base := filepath.Base(source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	prefix := key
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}
	return fmt.Sprintf("%s_enhanced_%s.%s", stem, prefix, format.Extension())
}

func (r *run) resolve(indices []int, res Result) {
	for _, i := range indices {
		slot := res
		slot.Index = i
		slot.Source = r.paths[i]
		r.results[i] = slot
		r.done[i] = true
	}
}

func (r *run) fail(indices []int, key string, err error, reason string) {
	res := Result{Key: key, Status: StatusFailed, Err: err}
	r.resolve(indices, res)
	for _, i := range indices {
		r.co.metrics.RecordFailed(r.results[i], reason)
	}
}

// assemble resolves any slot left open by cancellation and builds the report.
func (r *run) assemble(ctx context.Context) Report {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	for i := range r.results {
		if !r.done[i] {
			r.fail([]int{i}, "", cause, metricReasonContext)
		}
	}

	report := Report{
		ID:            r.id,
		Results:       r.results,
		BatchCalls:    int(r.batchCalls.Load()),
		FallbackCalls: int(r.fallbackCalls.Load()),
		ColorizeCalls: int(r.colorizeCalls.Load()),
	}
	report.tally()
	return report
}

func defaultLogger() Logger {
	return log.GetLogger("batch")
}

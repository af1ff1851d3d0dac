package cleaner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/cache/index"
)

// ErrFatalCondition indicates that the cleaner could not restore the cache to a safe state.
var ErrFatalCondition = errors.New("cache cleaner: fatal condition")

// ErrCapacityNotReduced indicates that capacity constraints remain unmet after a maintenance run.
var ErrCapacityNotReduced = errors.New("cache cleaner: capacity not reduced")

// TriggerReason represents the source motivating a cleaner run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic maintenance pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonManual is an operator request from the command line.
	TriggerReasonManual TriggerReason = "manual"
	// TriggerReasonENOSPC is an emergency triggered by an out-of-space condition.
	TriggerReasonENOSPC TriggerReason = "enospc"
)

// Trigger describes a request to execute the cleaner.
type Trigger struct {
	Reason TriggerReason
	// MaxAge overrides Config.MaxAge for this run when positive.
	MaxAge time.Duration
}

// Config controls cleaner behaviour.
type Config struct {
	// CacheDir is probed for free space.
	CacheDir string
	// MaxCacheBytes caps the summed size of live artifacts. Zero disables.
	MaxCacheBytes int64
	// MaxAge expires entries inserted earlier than now-MaxAge. Zero disables.
	MaxAge         time.Duration
	MinFreePercent int
	CleanInterval  time.Duration
}

// Report summarises a cleaner run.
type Report struct {
	Trigger     Trigger
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Evicted     []string
	Expired     int
	Emergency   bool
}

// Logger captures structured output for the cleaner.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Evictor is the cache surface the cleaner works through. Entries must be
// listed oldest first.
type Evictor interface {
	Entries(ctx context.Context) ([]index.Entry, error)
	Evict(ctx context.Context, key string) (int64, error)
}

// diskUsage reports disk capacity and free space for the cache directory.
type diskUsage interface {
	Stat(path string) (total, free uint64, err error)
}

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithDiskUsage swaps the disk usage inspector (primarily for tests).
func WithDiskUsage(usage diskUsage) Option {
	return func(c *Cleaner) {
		c.disk = usage
	}
}

// WithClock overrides the time source used for age expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		c.now = now
	}
}

// Cleaner evicts cache entries to honour age, capacity and fail-safe thresholds.
type Cleaner struct {
	cfg    Config
	cache  Evictor
	disk   diskUsage
	logger Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a cleaner.
func New(cfg Config, cache Evictor, opts ...Option) (*Cleaner, error) {
	if cache == nil {
		return nil, errors.New("cache cleaner: cache is required")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("cache cleaner: cache directory is required")
	}
	if cfg.MinFreePercent < 0 || cfg.MinFreePercent > 100 {
		return nil, fmt.Errorf("cache cleaner: min free percent must be within [0,100], got %d", cfg.MinFreePercent)
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 30 * time.Minute
	}

	c := &Cleaner{
		cfg:    cfg,
		cache:  cache,
		disk:   gopsutilUsage{},
		logger: defaultLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = defaultLogger()
	}
	if c.disk == nil {
		c.disk = gopsutilUsage{}
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c, nil
}

type sizedEntry struct {
	index.Entry
	size int64
}

// RunOnce executes a single cleaner pass for the provided trigger. Expired
// entries go first, then the oldest entries until the capacity limit and,
// for ENOSPC triggers, the free-space floor are met.
func (c *Cleaner) RunOnce(ctx context.Context, trigger Trigger) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{Trigger: trigger, Emergency: trigger.Reason == TriggerReasonENOSPC}

	entries, err := c.cache.Entries(ctx)
	if err != nil {
		return report, err
	}

	sized := make([]sizedEntry, 0, len(entries))
	var usage int64
	for _, entry := range entries {
		size := artifactSize(entry.OutputPath)
		usage += size
		sized = append(sized, sizedEntry{Entry: entry, size: size})
	}
	report.TotalBefore = usage

	limit := c.cfg.MaxCacheBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}

	maxAge := c.cfg.MaxAge
	if trigger.MaxAge > 0 {
		maxAge = trigger.MaxAge
	}
	var cutoff time.Time
	if maxAge > 0 {
		cutoff = c.now().Add(-maxAge)
	}

	totalCap, freeCap, err := c.disk.Stat(c.cfg.CacheDir)
	if err != nil {
		return report, err
	}

	targetFree := requiredFreeBytes(totalCap, c.cfg.MinFreePercent)
	emergency := report.Emergency && targetFree > 0

	for _, entry := range sized {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		expired := !cutoff.IsZero() && entry.InsertedAt.Before(cutoff)
		if !expired && usage <= limit && (!emergency || freeCap >= targetFree) {
			// Entries are oldest first, so nothing later is expired either.
			break
		}

		freed, evictErr := c.cache.Evict(ctx, entry.Key)
		if evictErr != nil {
			c.logger.Errorf("cleaner: evict %s failed: %v", entry.Key, evictErr)
			continue
		}

		usage -= entry.size
		if usage < 0 {
			usage = 0
		}
		if expired {
			report.Expired++
		}
		report.BytesFreed += freed
		report.Evicted = append(report.Evicted, entry.Key)

		if freed > 0 && freeCap < math.MaxUint64 {
			freeCap += uint64(freed)
		}
	}

	report.TotalAfter = usage

	if usage > limit {
		return report, ErrCapacityNotReduced
	}

	if emergency {
		totalCap, freeCap, err = c.disk.Stat(c.cfg.CacheDir)
		if err != nil {
			return report, err
		}
		if totalCap > 0 && freeCap < targetFree {
			return report, ErrFatalCondition
		}
	}

	if len(report.Evicted) > 0 {
		c.logger.Infof("cleaner: %s pass evicted %d entries (%d expired), freed %d bytes",
			trigger.Reason, len(report.Evicted), report.Expired, report.BytesFreed)
	}

	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
func (c *Cleaner) RunBackground(ctx context.Context, triggers <-chan Trigger) error {
	ticker := time.NewTicker(c.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, Trigger{Reason: TriggerReasonMaintenance}); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner maintenance run failed: %v", err)
			}
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := c.RunOnce(ctx, trigger); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner trigger %s failed: %v", trigger.Reason, err)
			}
		}
	}
}

func artifactSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func requiredFreeBytes(total uint64, percent int) uint64 {
	if percent <= 0 || total == 0 {
		return 0
	}
	return (total * uint64(percent)) / 100
}

func defaultLogger() Logger {
	return log.GetLogger("cache-cleaner")
}

type gopsutilUsage struct{}

func (gopsutilUsage) Stat(path string) (uint64, uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Total, usage.Free, nil
}

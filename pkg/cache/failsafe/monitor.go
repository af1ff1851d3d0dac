package failsafe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tigrisdata/fluxcoach/log"
	"github.com/tigrisdata/fluxcoach/pkg/cache/cleaner"
)

// ErrRecoveryFailed indicates the cleaner could not reclaim sufficient space and manual intervention is required.
var ErrRecoveryFailed = errors.New("cache failsafe: recovery failed")

// ErrRecoveryInProgress signals that a recovery sequence is already underway.
var ErrRecoveryInProgress = errors.New("cache failsafe: recovery in progress")

// Logger defines the logging surface used by the monitor.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Cleaner executes cache eviction when instructed by the monitor.
type Cleaner interface {
	RunOnce(ctx context.Context, trigger cleaner.Trigger) (cleaner.Report, error)
}

// SubmissionController holds back new remote requests while space is
// being reclaimed.
type SubmissionController interface {
	PauseSubmissions(ctx context.Context) error
	ResumeSubmissions(ctx context.Context) error
}

// Option customises monitor construction.
type Option func(*Monitor)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// Monitor coordinates ENOSPC recovery by pausing submissions and invoking the cleaner.
// It satisfies files.SpaceRecoverer.
type Monitor struct {
	cleaner    Cleaner
	controller SubmissionController
	logger     Logger

	mu         sync.Mutex
	recovering bool
}

// NewMonitor constructs a Monitor instance.
func NewMonitor(cleaner Cleaner, controller SubmissionController, opts ...Option) (*Monitor, error) {
	if cleaner == nil {
		return nil, errors.New("cache failsafe: cleaner is required")
	}
	if controller == nil {
		return nil, errors.New("cache failsafe: submission controller is required")
	}

	m := &Monitor{
		cleaner:    cleaner,
		controller: controller,
		logger:     defaultLogger(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = defaultLogger()
	}

	return m, nil
}

// HandleENOSPC pauses submissions, runs an emergency cleaner pass and
// resumes. Submissions are resumed even when the pass fails so that
// in-flight work can finish and report its own errors.
func (m *Monitor) HandleENOSPC(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !m.beginRecovery() {
		return ErrRecoveryInProgress
	}
	defer m.endRecovery()

	if err := m.controller.PauseSubmissions(ctx); err != nil {
		return fmt.Errorf("cache failsafe: pause submissions: %w", err)
	}

	m.logger.Warnf("failsafe: out of disk space, running emergency cleanup")

	report, err := m.cleaner.RunOnce(ctx, cleaner.Trigger{Reason: cleaner.TriggerReasonENOSPC})
	if resumeErr := m.controller.ResumeSubmissions(context.WithoutCancel(ctx)); resumeErr != nil {
		if err == nil {
			return fmt.Errorf("cache failsafe: resume submissions: %w", resumeErr)
		}
		m.logger.Warnf("failsafe: resume submissions after error failed: %v", resumeErr)
	}
	if err != nil {
		if errors.Is(err, cleaner.ErrFatalCondition) {
			m.logger.Errorf("failsafe: could not reclaim enough space after evicting %d entries", len(report.Evicted))
			return fmt.Errorf("%w: %v", ErrRecoveryFailed, err)
		}
		return fmt.Errorf("cache failsafe: cleaner run: %w", err)
	}

	m.logger.Infof("failsafe: ENOSPC recovery completed, freed %d bytes", report.BytesFreed)
	return nil
}

func (m *Monitor) beginRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recovering {
		return false
	}
	m.recovering = true
	return true
}

func (m *Monitor) endRecovery() {
	m.mu.Lock()
	m.recovering = false
	m.mu.Unlock()
}

func defaultLogger() Logger {
	return log.GetLogger("cache-failsafe")
}

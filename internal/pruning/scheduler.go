package pruning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OwnerSource lists owners to prune. *store.Store satisfies it.
type OwnerSource interface {
	Owners(ctx context.Context) ([]string, error)
}

// Scheduler runs pruning passes periodically in the background.
//
// All public methods are safe for concurrent use.
type Scheduler struct {
	pruner *Pruner
	logger *zap.Logger

	interval    time.Duration
	timeout     time.Duration
	owners      []string
	source      OwnerSource
	strategies  []Strategy
	opts        Options
	concurrency int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between passes. Defaults to 24 hours.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithTimeout bounds a single run across all owners. Defaults to 10 minutes.
func WithTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// WithOwners sets a fixed owner list.
func WithOwners(owners []string) SchedulerOption {
	return func(s *Scheduler) { s.owners = owners }
}

// WithOwnerSource lists owners on every run instead of using a fixed list.
func WithOwnerSource(src OwnerSource) SchedulerOption {
	return func(s *Scheduler) { s.source = src }
}

// WithStrategies sets the strategies for each pass. Defaults to all.
func WithStrategies(strategies []Strategy) SchedulerOption {
	return func(s *Scheduler) { s.strategies = strategies }
}

// WithOptions sets the pass options.
func WithOptions(opts Options) SchedulerOption {
	return func(s *Scheduler) { s.opts = opts }
}

// WithConcurrency bounds how many owners are pruned at once. Defaults to 4.
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) { s.concurrency = n }
}

// NewScheduler creates a stopped scheduler. Call Start to begin.
func NewScheduler(pruner *Pruner, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if pruner == nil {
		return nil, fmt.Errorf("pruner cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		pruner:      pruner,
		logger:      logger,
		interval:    24 * time.Hour,
		timeout:     10 * time.Minute,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", s.interval)
	}
	return s, nil
}

// Start begins periodic pruning. It fails if the scheduler is already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true

	s.logger.Info("pruning scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("pruning scheduler stopped")
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler goroutine panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRun()
		case <-stop:
			return
		}
	}
}

func (s *Scheduler) safeRun() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pruning run panicked, continuing",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduled pruning failed", zap.Error(err))
	}
}

// RunOnce prunes every configured owner now.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*Result, error) {
	owners := s.owners
	if s.source != nil {
		listed, err := s.source.Owners(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing owners: %w", err)
		}
		owners = listed
	}
	if len(owners) == 0 {
		s.logger.Debug("no owners to prune")
		return nil, nil
	}

	results, err := s.pruner.PruneOwners(ctx, owners, s.strategies, s.opts, s.concurrency)
	removed := 0
	for _, r := range results {
		if r != nil {
			removed += r.RemovedCount
		}
	}
	s.logger.Info("scheduled pruning completed",
		zap.Int("owners", len(owners)),
		zap.Int("removed", removed),
		zap.Bool("dry_run", s.opts.DryRun))
	return results, err
}

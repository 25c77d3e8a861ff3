// Package pruning evicts stale, failing and excess records from an owner's set.
//
// A pass applies the time, performance and space strategies in the order
// given, each to the records earlier strategies kept. The whole pass runs
// under the owner's write handle and either writes its result once or writes
// nothing.
package pruning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
	"github.com/fyrsmithlabs/aml/internal/store"
)

// ErrAborted marks a pass that stopped without writing. It wraps the cause.
var ErrAborted = errors.New("pruning aborted")

// StrategyGC labels removals made by Collect.
const StrategyGC Strategy = "gc"

// Options controls the side effects of a pass.
type Options struct {
	// DryRun reports what would be removed and writes nothing.
	DryRun bool

	// CreateBackup snapshots the set before any destructive change.
	CreateBackup bool

	// Archive sends removed records to the archive store. Decisions are
	// archived whenever an archive store is configured.
	Archive bool
}

// Result reports one pass.
type Result struct {
	Owner      string     `json:"owner"`
	Strategies []Strategy `json:"strategies"`
	Removed    []Removal  `json:"removed"`

	RemovedCount     int `json:"removed_count"`
	WouldRemoveCount int `json:"would_remove_count"`
	DeactivatedCount int `json:"deactivated_count"`
	ArchivedCount    int `json:"archived_count"`

	BackupID string         `json:"backup_id,omitempty"`
	Archives []string       `json:"archives,omitempty"`
	Summary  map[Reason]int `json:"summary"`

	DryRun   bool          `json:"dry_run"`
	Duration time.Duration `json:"duration"`
}

// WriteHandles hands out per-owner write handles. *store.Store satisfies it.
type WriteHandles interface {
	Acquire(ctx context.Context, owner string) (*store.Writer, error)
}

// Pruner runs pruning passes.
type Pruner struct {
	handles WriteHandles
	model   *scoring.Model
	cfg     Config
	logger  *zap.Logger

	archive ArchiveStore
	backups BackupStore
	metrics *Metrics
	now     func() time.Time
}

// New creates a Pruner. A nil model uses the default scoring model.
func New(handles WriteHandles, model *scoring.Model, cfg Config, logger *zap.Logger) (*Pruner, error) {
	if handles == nil {
		return nil, fmt.Errorf("write handles cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pruning config: %w", err)
	}
	if model == nil {
		model = scoring.NewModel(scoring.DefaultConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{
		handles: handles,
		model:   model,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetArchive sets where removed records are archived.
func (p *Pruner) SetArchive(a ArchiveStore) { p.archive = a }

// SetBackups sets where snapshots are written.
func (p *Pruner) SetBackups(b BackupStore) { p.backups = b }

// SetMetrics enables Prometheus metrics.
func (p *Pruner) SetMetrics(m *Metrics) { p.metrics = m }

// SetClock overrides the clock used for ages.
func (p *Pruner) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Config returns the active policy.
func (p *Pruner) Config() Config { return p.cfg }

// Prune runs one pass over owner's records. No strategies means all of them.
//
// Any failure before the final write, including backup and archive failures,
// returns an error wrapping ErrAborted and leaves the stored set unchanged.
func (p *Pruner) Prune(ctx context.Context, owner string, strategies []Strategy, opts Options) (*Result, error) {
	if len(strategies) == 0 {
		strategies = AllStrategies()
	}
	start := time.Now()

	w, err := p.handles.Acquire(ctx, owner)
	if err != nil {
		return nil, p.abort(owner, "acquire", err, start)
	}
	defer w.Release()

	set, err := w.Records(ctx)
	if err != nil {
		return nil, p.abort(owner, "read", err, start)
	}

	now := p.now()
	selected := plan(set, strategies, p.cfg, p.model, now)

	result := &Result{
		Owner:      owner,
		Strategies: strategies,
		Removed:    make([]Removal, 0, len(selected)),
		Summary:    make(map[Reason]int),
		DryRun:     opts.DryRun,
	}
	for i := range selected {
		if !opts.DryRun && p.cfg.DeactivateFirst && selected[i].record.Active &&
			selected[i].removal.Strategy != StrategySpace {
			selected[i].removal.Deactivated = true
		}
		result.Removed = append(result.Removed, selected[i].removal)
		result.Summary[selected[i].removal.Reason]++
	}

	if opts.DryRun {
		result.WouldRemoveCount = len(selected)
		for _, r := range result.Removed {
			p.metrics.recordRemoval(r, "would_remove")
		}
		result.Duration = time.Since(start)
		p.metrics.recordPass("dry_run", result.Duration.Seconds())
		p.logger.Info("pruning dry run",
			zap.String("owner", owner),
			zap.Int("records", len(set)),
			zap.Int("would_remove", result.WouldRemoveCount))
		return result, nil
	}

	if len(selected) == 0 {
		result.Duration = time.Since(start)
		p.metrics.recordPass("ok", result.Duration.Seconds())
		return result, nil
	}

	if opts.Archive && p.archive == nil {
		return nil, p.abort(owner, "archive", fmt.Errorf("no archive store configured"), start)
	}

	if opts.CreateBackup {
		if p.backups == nil {
			return nil, p.abort(owner, "backup", fmt.Errorf("no backup store configured"), start)
		}
		meta, err := p.backups.Backup(ctx, owner, set)
		if err != nil {
			return nil, p.abort(owner, "backup", err, start)
		}
		result.BackupID = meta.ID
	}

	if err := p.archiveRemoved(ctx, owner, selected, opts, result); err != nil {
		return nil, p.abort(owner, "archive", err, start)
	}

	final := make(record.Set, 0, len(set))
	removed := make(map[string]struct{}, len(selected))
	deactivated := make(map[string]struct{})
	for _, s := range selected {
		if s.removal.Deactivated {
			deactivated[s.record.ID] = struct{}{}
		} else {
			removed[s.record.ID] = struct{}{}
		}
	}
	for _, r := range set {
		if _, ok := removed[r.ID]; ok {
			continue
		}
		if _, ok := deactivated[r.ID]; ok {
			c := r.Clone()
			c.Active = false
			final = append(final, c)
			continue
		}
		final = append(final, r)
	}

	if err := w.Put(ctx, final); err != nil {
		p.discardArchives(owner, result.Archives)
		return nil, p.abort(owner, "write", err, start)
	}

	result.RemovedCount = len(removed)
	result.DeactivatedCount = len(deactivated)
	for _, r := range result.Removed {
		action := "removed"
		if r.Deactivated {
			action = "deactivated"
		}
		p.metrics.recordRemoval(r, action)
	}
	result.Duration = time.Since(start)
	p.metrics.recordPass("ok", result.Duration.Seconds())
	p.logger.Info("pruning completed",
		zap.String("owner", owner),
		zap.Int("records", len(set)),
		zap.Int("removed", result.RemovedCount),
		zap.Int("deactivated", result.DeactivatedCount),
		zap.Int("archived", result.ArchivedCount),
		zap.String("backup_id", result.BackupID),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// archiveRemoved writes one archive per category, in the order categories
// first appear. Deactivated records stay in the set and are not archived.
func (p *Pruner) archiveRemoved(ctx context.Context, owner string, selected []selection, opts Options, result *Result) error {
	if p.archive == nil {
		return nil
	}
	var order []string
	groups := make(map[string]record.Set)
	for _, s := range selected {
		if s.removal.Deactivated {
			continue
		}
		if !opts.Archive && s.record.Kind != record.KindDecision {
			continue
		}
		cat := archiveCategory(s)
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], s.record)
	}
	for _, cat := range order {
		path, err := p.archive.Archive(ctx, owner, cat, groups[cat])
		if err != nil {
			p.discardArchives(owner, result.Archives)
			return err
		}
		result.Archives = append(result.Archives, path)
		result.ArchivedCount += len(groups[cat])
	}
	return nil
}

// discardArchives rolls back archives written by a pass that is aborting.
// It runs on a fresh context so a cancelled pass still cleans up.
func (p *Pruner) discardArchives(owner string, paths []string) {
	if p.archive == nil || len(paths) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, path := range paths {
		if err := p.archive.Discard(ctx, path); err != nil {
			p.logger.Warn("failed to discard archive",
				zap.String("owner", owner),
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func (p *Pruner) abort(owner, step string, err error, start time.Time) error {
	p.metrics.recordPass("aborted", time.Since(start).Seconds())
	p.logger.Error("pruning aborted",
		zap.String("owner", owner),
		zap.String("step", step),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrAborted, step, err)
}

// PruneOwners runs Prune for each owner with at most concurrency passes at
// once. Results are positional; a failed owner leaves a nil entry and its
// error is joined into the returned error. Owners never affect each other.
func (p *Pruner) PruneOwners(ctx context.Context, owners []string, strategies []Strategy, opts Options, concurrency int) ([]*Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]*Result, len(owners))
	errs := make([]error, len(owners))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, owner := range owners {
		g.Go(func() error {
			res, err := p.Prune(ctx, owner, strategies, opts)
			if err != nil {
				errs[i] = fmt.Errorf("owner %s: %w", owner, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Collect removes records that fail validation or repeat an earlier ID. It
// reads the stored document leniently, so one bad record does not hide the
// rest. Collect cannot repair a document whose envelope is unreadable.
func (p *Pruner) Collect(ctx context.Context, owner string, dryRun bool) (*Result, error) {
	start := time.Now()

	w, err := p.handles.Acquire(ctx, owner)
	if err != nil {
		return nil, p.abort(owner, "acquire", err, start)
	}
	defer w.Release()

	kept, discarded, err := w.Salvage(ctx)
	if err != nil {
		return nil, p.abort(owner, "read", err, start)
	}

	result := &Result{
		Owner:      owner,
		Strategies: []Strategy{StrategyGC},
		Removed:    make([]Removal, 0, len(discarded)),
		Summary:    make(map[Reason]int),
		DryRun:     dryRun,
	}
	for _, d := range discarded {
		reason := ReasonFailedValidation
		if d.Reason == store.DiscardDuplicate {
			reason = ReasonDuplicate
		}
		result.Removed = append(result.Removed, Removal{ID: d.ID, Strategy: StrategyGC, Reason: reason})
		result.Summary[reason]++
		p.logger.Debug("collecting record",
			zap.String("owner", owner),
			zap.Int("index", d.Index),
			zap.String("id", d.ID),
			zap.String("reason", string(reason)),
			zap.Error(d.Err))
	}

	if dryRun {
		result.WouldRemoveCount = len(discarded)
		result.Duration = time.Since(start)
		p.metrics.recordPass("dry_run", result.Duration.Seconds())
		return result, nil
	}

	if len(discarded) > 0 {
		if err := w.Put(ctx, kept); err != nil {
			return nil, p.abort(owner, "write", err, start)
		}
		for _, r := range result.Removed {
			p.metrics.recordRemoval(r, "removed")
		}
	}
	result.RemovedCount = len(discarded)
	result.Duration = time.Since(start)
	p.metrics.recordPass("ok", result.Duration.Seconds())
	p.logger.Info("garbage collection completed",
		zap.String("owner", owner),
		zap.Int("kept", len(kept)),
		zap.Int("removed", result.RemovedCount))
	return result, nil
}

package pruning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
	"github.com/fyrsmithlabs/aml/internal/store"
)

const owner = "agent"

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time {
	return now.Add(-time.Duration(n) * 24 * time.Hour)
}

func newRec(t *testing.T, kind record.Kind, typ string, mutate func(*record.Record)) *record.Record {
	t.Helper()
	r, err := record.New(owner, kind, typ)
	require.NoError(t, err)
	r.CreatedAt = now
	r.Evolution.LastUsed = now
	r.Evolution.Confidence = 0.5
	if mutate != nil {
		mutate(r)
	}
	return r
}

// flakyDocs fails Save on demand.
type flakyDocs struct {
	store.DocumentStore
	failSave atomic.Bool
}

func (f *flakyDocs) Save(ctx context.Context, owner string, data []byte) error {
	if f.failSave.Load() {
		return errors.New("disk full")
	}
	return f.DocumentStore.Save(ctx, owner, data)
}

type failingBackups struct{}

func (failingBackups) Backup(context.Context, string, record.Set) (BackupMeta, error) {
	return BackupMeta{}, errors.New("backup volume missing")
}

type failingArchive struct{}

func (failingArchive) Archive(context.Context, string, string, record.Set) (string, error) {
	return "", errors.New("archive volume missing")
}

func (failingArchive) Discard(context.Context, string) error { return nil }

// categoryFailingArchive writes through to a GzipArchive except for one
// category.
type categoryFailingArchive struct {
	*GzipArchive
	fail string
}

func (a categoryFailingArchive) Archive(ctx context.Context, owner, category string, records record.Set) (string, error) {
	if category == a.fail {
		return "", errors.New("archive volume full")
	}
	return a.GzipArchive.Archive(ctx, owner, category, records)
}

func archiveFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(root, owner))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

type fixture struct {
	pruner *Pruner
	store  *store.Store
	docs   *flakyDocs
}

func newFixture(t *testing.T, cfg Config, seed ...*record.Record) *fixture {
	t.Helper()
	docs := &flakyDocs{DocumentStore: store.NewMemoryDocumentStore()}
	s := store.New(docs, store.Options{Now: func() time.Time { return now }}, nil)
	p, err := New(s, nil, cfg, nil)
	require.NoError(t, err)
	p.SetClock(func() time.Time { return now })

	if len(seed) > 0 {
		require.NoError(t, s.Put(context.Background(), owner, record.Set(seed)))
	}
	return &fixture{pruner: p, store: s, docs: docs}
}

func (f *fixture) ids(t *testing.T) []string {
	t.Helper()
	set, err := f.store.Get(context.Background(), owner)
	require.NoError(t, err)
	return set.IDs()
}

func reasons(selected []selection) []Reason {
	out := make([]Reason, 0, len(selected))
	for _, s := range selected {
		out = append(out, s.removal.Reason)
	}
	return out
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, DefaultConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MaxCount = 0
	_, err = New(store.New(store.NewMemoryDocumentStore(), store.Options{}, nil), nil, cfg, nil)
	assert.ErrorContains(t, err, "max count")
}

func TestConfig_Aggressive(t *testing.T) {
	cfg := DefaultConfig().Aggressive()
	assert.Equal(t, 60, cfg.MaxAgeDays)
	assert.Equal(t, 120, cfg.DecisionMaxAgeDays)
	assert.Equal(t, 0.30, cfg.MinSuccessRate)
	assert.Equal(t, DefaultConfig().SolutionMaxAgeDays, cfg.SolutionMaxAgeDays)
	assert.NoError(t, cfg.Validate())
}

func TestParseStrategies(t *testing.T) {
	tests := []struct {
		in      string
		want    []Strategy
		wantErr bool
	}{
		{in: "all", want: AllStrategies()},
		{in: "time", want: []Strategy{StrategyTime}},
		{in: "space, performance", want: []Strategy{StrategySpace, StrategyPerformance}},
		{in: "time,bogus", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStrategies(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUsageRate(t *testing.T) {
	r := &record.Record{CreatedAt: daysAgo(5), Metrics: record.Metrics{ExecutionCount: 10}}
	assert.InDelta(t, 2.0, UsageRate(r, now), 1e-9)

	r.CreatedAt = now.Add(-time.Hour)
	assert.InDelta(t, 10.0, UsageRate(r, now), 1e-9)

	r.CreatedAt = time.Time{}
	r.Evolution.LastUsed = daysAgo(10)
	assert.InDelta(t, 1.0, UsageRate(r, now), 1e-9)
}

func TestTimeStrategy(t *testing.T) {
	stale := func(exec int) func(*record.Record) {
		return func(r *record.Record) {
			r.CreatedAt = daysAgo(200)
			r.Evolution.LastUsed = daysAgo(100)
			r.Metrics = record.Metrics{ExecutionCount: exec, SuccessCount: exec}
		}
	}

	tests := []struct {
		name   string
		kind   record.Kind
		mutate func(*record.Record)
		cfg    func(*Config)
		want   []Reason
	}{
		{name: "stale and rarely used", kind: record.KindPattern, mutate: stale(5), want: []Reason{ReasonUnusedTooLong}},
		{name: "stale but frequently used", kind: record.KindPattern, mutate: stale(50), want: []Reason{}},
		{
			name: "stale but high value",
			kind: record.KindPattern,
			mutate: func(r *record.Record) {
				stale(0)(r)
				r.Evolution.Confidence = 0.9
			},
			want: []Reason{},
		},
		{
			name: "high value without preservation",
			kind: record.KindPattern,
			mutate: func(r *record.Record) {
				stale(0)(r)
				r.Evolution.Confidence = 0.9
			},
			cfg:  func(c *Config) { c.PreserveHighValue = false },
			want: []Reason{ReasonUnusedTooLong},
		},
		{name: "decision within its limit", kind: record.KindDecision, mutate: stale(0), want: []Reason{}},
		{
			name: "decision past its limit",
			kind: record.KindDecision,
			mutate: func(r *record.Record) {
				r.CreatedAt = daysAgo(300)
				r.Evolution.LastUsed = daysAgo(200)
			},
			want: []Reason{ReasonUnusedTooLong},
		},
		{
			name: "solution within its limit",
			kind: record.KindSolution,
			mutate: func(r *record.Record) {
				r.CreatedAt = daysAgo(400)
				r.Evolution.LastUsed = daysAgo(300)
			},
			want: []Reason{},
		},
		{
			name: "old failing pattern",
			kind: record.KindPattern,
			mutate: func(r *record.Record) {
				r.CreatedAt = daysAgo(40)
				r.Evolution.LastUsed = daysAgo(1)
				r.Metrics = record.Metrics{ExecutionCount: 10, SuccessCount: 2}
			},
			want: []Reason{ReasonLowSuccessRate},
		},
		{
			name: "young failing pattern",
			kind: record.KindPattern,
			mutate: func(r *record.Record) {
				r.CreatedAt = daysAgo(20)
				r.Metrics = record.Metrics{ExecutionCount: 10, SuccessCount: 2}
			},
			want: []Reason{},
		},
		{name: "fresh", kind: record.KindPattern, want: []Reason{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			r := newRec(t, tt.kind, "t", tt.mutate)
			got := plan(record.Set{r}, []Strategy{StrategyTime}, cfg, scoring.NewModel(scoring.DefaultConfig()), now)
			assert.Equal(t, tt.want, reasons(got))
		})
	}
}

func TestPerformanceStrategy(t *testing.T) {
	tests := []struct {
		name   string
		kind   record.Kind
		mutate func(*record.Record)
		want   []Reason
	}{
		{
			name:   "low success rate",
			kind:   record.KindPattern,
			mutate: func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} },
			want:   []Reason{ReasonLowSuccessRate},
		},
		{
			name: "low confidence",
			kind: record.KindPattern,
			mutate: func(r *record.Record) {
				r.Metrics = record.Metrics{ExecutionCount: 5, SuccessCount: 5}
				r.Evolution.Confidence = 0.12
			},
			want: []Reason{ReasonLowConfidence},
		},
		{
			name:   "too few executions to judge",
			kind:   record.KindPattern,
			mutate: func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 2} },
			want:   []Reason{},
		},
		{
			name:   "solution that did not work",
			kind:   record.KindSolution,
			mutate: func(r *record.Record) { r.Solution.Worked = false },
			want:   []Reason{ReasonOutdatedSolution},
		},
		{
			name:   "decision not worth repeating",
			kind:   record.KindDecision,
			mutate: func(r *record.Record) { r.Decision.WouldRepeat = false },
			want:   []Reason{ReasonNegativeOutcome},
		},
		{
			name: "decision with poor metrics",
			kind: record.KindDecision,
			mutate: func(r *record.Record) {
				r.Decision.SuccessMetrics = map[string]float64{"latency": 0.2, "cost": 0.4}
			},
			want: []Reason{ReasonNegativeOutcome},
		},
		{name: "healthy decision", kind: record.KindDecision, want: []Reason{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRec(t, tt.kind, "t", tt.mutate)
			got := plan(record.Set{r}, []Strategy{StrategyPerformance}, DefaultConfig(), scoring.NewModel(scoring.DefaultConfig()), now)
			assert.Equal(t, tt.want, reasons(got))
		})
	}
}

func TestPlan_StrategiesSeeOnlySurvivors(t *testing.T) {
	r := newRec(t, record.KindPattern, "t", func(r *record.Record) {
		r.CreatedAt = daysAgo(200)
		r.Evolution.LastUsed = daysAgo(100)
		r.Metrics = record.Metrics{ExecutionCount: 5}
	})
	got := plan(record.Set{r}, AllStrategies(), DefaultConfig(), scoring.NewModel(scoring.DefaultConfig()), now)
	require.Len(t, got, 1)
	assert.Equal(t, StrategyTime, got[0].removal.Strategy)
	assert.Equal(t, ReasonUnusedTooLong, got[0].removal.Reason)
}

func TestPrune_StaleRarelyUsedPatternIsRemoved(t *testing.T) {
	stale := func(exec int) func(*record.Record) {
		return func(r *record.Record) {
			r.CreatedAt = daysAgo(200)
			r.Evolution.LastUsed = daysAgo(100)
			r.Metrics = record.Metrics{ExecutionCount: exec, SuccessCount: exec}
		}
	}
	rare := newRec(t, record.KindPattern, "rare", stale(5))
	busy := newRec(t, record.KindPattern, "busy", stale(50))
	f := newFixture(t, DefaultConfig(), rare, busy)

	res, err := f.pruner.Prune(context.Background(), owner, nil, Options{})
	require.NoError(t, err)

	assert.Equal(t, AllStrategies(), res.Strategies)
	assert.Equal(t, 1, res.RemovedCount)
	require.Len(t, res.Removed, 1)
	assert.Equal(t, rare.ID, res.Removed[0].ID)
	assert.Equal(t, ReasonUnusedTooLong, res.Removed[0].Reason)
	assert.Equal(t, map[Reason]int{ReasonUnusedTooLong: 1}, res.Summary)
	assert.Equal(t, []string{busy.ID}, f.ids(t))
}

func TestPrune_SpaceIsIdempotent(t *testing.T) {
	var seed []*record.Record
	for i := 0; i < 10; i++ {
		seed = append(seed, newRec(t, record.KindPattern, "t", func(r *record.Record) {
			r.Metrics = record.Metrics{ExecutionCount: 10, SuccessCount: i}
		}))
	}
	cfg := DefaultConfig()
	cfg.MaxCount = 5
	f := newFixture(t, cfg, seed...)
	ctx := context.Background()
	space := []Strategy{StrategySpace}

	res, err := f.pruner.Prune(ctx, owner, space, Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.RemovedCount)
	assert.Equal(t, record.Set(seed[5:]).IDs(), f.ids(t))

	res, err = f.pruner.Prune(ctx, owner, space, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.RemovedCount)
	assert.Equal(t, record.Set(seed[5:]).IDs(), f.ids(t))
}

func TestPrune_SpaceTiesDropEarlierRecords(t *testing.T) {
	a := newRec(t, record.KindPattern, "t", nil)
	b := newRec(t, record.KindPattern, "t", nil)
	c := newRec(t, record.KindPattern, "t", nil)
	cfg := DefaultConfig()
	cfg.MaxCount = 1
	f := newFixture(t, cfg, a, b, c)

	res, err := f.pruner.Prune(context.Background(), owner, []Strategy{StrategySpace}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID, b.ID}, []string{res.Removed[0].ID, res.Removed[1].ID})
	assert.Equal(t, []string{c.ID}, f.ids(t))
}

func TestPrune_DryRunWritesNothing(t *testing.T) {
	failing := newRec(t, record.KindPattern, "t", func(r *record.Record) {
		r.Metrics = record.Metrics{ExecutionCount: 5}
	})
	keep := newRec(t, record.KindPattern, "t", nil)
	f := newFixture(t, DefaultConfig(), failing, keep)
	f.docs.failSave.Store(true)

	res, err := f.pruner.Prune(context.Background(), owner, nil, Options{DryRun: true, CreateBackup: true, Archive: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.WouldRemoveCount)
	assert.Zero(t, res.RemovedCount)
	assert.Empty(t, res.BackupID)
	assert.Equal(t, []string{failing.ID, keep.ID}, f.ids(t))
}

func TestPrune_DeactivateFirst(t *testing.T) {
	failing := newRec(t, record.KindPattern, "t", func(r *record.Record) {
		r.Metrics = record.Metrics{ExecutionCount: 5}
	})
	cfg := DefaultConfig()
	cfg.DeactivateFirst = true
	f := newFixture(t, cfg, failing)
	ctx := context.Background()

	res, err := f.pruner.Prune(ctx, owner, []Strategy{StrategyPerformance}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeactivatedCount)
	assert.Zero(t, res.RemovedCount)
	assert.True(t, res.Removed[0].Deactivated)

	set, err := f.store.Get(ctx, owner)
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.False(t, set[0].Active)

	res, err = f.pruner.Prune(ctx, owner, []Strategy{StrategyPerformance}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemovedCount)
	assert.Empty(t, f.ids(t))
}

func TestPrune_SpaceRemovesWhenDeactivatingFirst(t *testing.T) {
	older := newRec(t, record.KindPattern, "t", nil)
	newer := newRec(t, record.KindPattern, "t", nil)
	cfg := DefaultConfig()
	cfg.MaxCount = 1
	cfg.DeactivateFirst = true
	f := newFixture(t, cfg, older, newer)
	ctx := context.Background()
	space := []Strategy{StrategySpace}

	res, err := f.pruner.Prune(ctx, owner, space, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.RemovedCount)
	assert.Zero(t, res.DeactivatedCount)
	assert.False(t, res.Removed[0].Deactivated)
	assert.Equal(t, []string{newer.ID}, f.ids(t))

	res, err = f.pruner.Prune(ctx, owner, space, Options{})
	require.NoError(t, err)
	assert.Zero(t, res.RemovedCount)
	assert.Zero(t, res.DeactivatedCount)
	assert.Equal(t, []string{newer.ID}, f.ids(t))
}

func TestPrune_AbortsWithoutPartialWrite(t *testing.T) {
	seed := func(t *testing.T) []*record.Record {
		return []*record.Record{
			newRec(t, record.KindPattern, "t", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} }),
			newRec(t, record.KindDecision, "d", func(r *record.Record) { r.Decision.WouldRepeat = false }),
			newRec(t, record.KindPattern, "t", nil),
		}
	}

	tests := []struct {
		name  string
		setup func(*fixture)
		opts  Options
		step  string
	}{
		{name: "write failure", setup: func(f *fixture) { f.docs.failSave.Store(true) }, step: "write"},
		{name: "backup failure", setup: func(f *fixture) { f.pruner.SetBackups(failingBackups{}) }, opts: Options{CreateBackup: true}, step: "backup"},
		{name: "no backup store", setup: func(*fixture) {}, opts: Options{CreateBackup: true}, step: "backup"},
		{name: "archive failure", setup: func(f *fixture) { f.pruner.SetArchive(failingArchive{}) }, step: "archive"},
		{name: "no archive store", setup: func(*fixture) {}, opts: Options{Archive: true}, step: "archive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := seed(t)
			f := newFixture(t, DefaultConfig(), records...)
			tt.setup(f)

			res, err := f.pruner.Prune(context.Background(), owner, nil, tt.opts)
			assert.Nil(t, res)
			require.ErrorIs(t, err, ErrAborted)
			assert.ErrorContains(t, err, tt.step)
			assert.Equal(t, record.Set(records).IDs(), f.ids(t))
		})
	}
}

func TestPrune_WriteFailureDiscardsArchives(t *testing.T) {
	failing := newRec(t, record.KindPattern, "t", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} })
	f := newFixture(t, DefaultConfig(), failing)
	archive, err := NewGzipArchive(t.TempDir())
	require.NoError(t, err)
	f.pruner.SetArchive(archive)
	f.docs.failSave.Store(true)
	ctx := context.Background()

	_, err = f.pruner.Prune(ctx, owner, nil, Options{Archive: true})
	require.ErrorIs(t, err, ErrAborted)
	assert.Empty(t, archiveFiles(t, archive.Root()))
	assert.Equal(t, []string{failing.ID}, f.ids(t))

	f.docs.failSave.Store(false)
	res, err := f.pruner.Prune(ctx, owner, nil, Options{Archive: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ArchivedCount)
	assert.Len(t, archiveFiles(t, archive.Root()), 1)
	assert.Empty(t, f.ids(t))
}

func TestPrune_ArchiveFailureDiscardsEarlierCategories(t *testing.T) {
	pattern := newRec(t, record.KindPattern, "p", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} })
	solution := newRec(t, record.KindSolution, "s", func(r *record.Record) { r.Solution.Worked = false })
	f := newFixture(t, DefaultConfig(), pattern, solution)
	archive, err := NewGzipArchive(t.TempDir())
	require.NoError(t, err)
	f.pruner.SetArchive(categoryFailingArchive{GzipArchive: archive, fail: "solutions"})

	_, err = f.pruner.Prune(context.Background(), owner, []Strategy{StrategyPerformance}, Options{Archive: true})
	require.ErrorIs(t, err, ErrAborted)
	assert.ErrorContains(t, err, "archive volume full")
	assert.Empty(t, archiveFiles(t, archive.Root()))
	assert.Equal(t, []string{pattern.ID, solution.ID}, f.ids(t))
}

func TestPrune_AbortOnWriteIsStorageError(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newRec(t, record.KindPattern, "t", func(r *record.Record) {
		r.Metrics = record.Metrics{ExecutionCount: 5}
	}))
	f.docs.failSave.Store(true)

	_, err := f.pruner.Prune(context.Background(), owner, nil, Options{})
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, store.ErrStorage)
}

func TestPrune_InvalidOwner(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.pruner.Prune(context.Background(), "../escape", nil, Options{})
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, record.ErrInvalidOwner)
}

func TestPrune_WritesBackup(t *testing.T) {
	records := []*record.Record{
		newRec(t, record.KindPattern, "t", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} }),
		newRec(t, record.KindPattern, "t", nil),
	}
	f := newFixture(t, DefaultConfig(), records...)
	backups, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)
	backups.SetClock(func() time.Time { return now })
	f.pruner.SetBackups(backups)
	ctx := context.Background()

	res, err := f.pruner.Prune(ctx, owner, nil, Options{CreateBackup: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupID)
	assert.Equal(t, 1, res.RemovedCount)

	data, err := os.ReadFile(filepath.Join(backups.root, owner, res.BackupID+".json"))
	require.NoError(t, err)
	snapshot, err := store.Decode(owner, data)
	require.NoError(t, err)
	assert.Equal(t, record.Set(records).IDs(), snapshot.IDs())

	metas, err := backups.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	sum := sha256.Sum256(data)
	assert.Equal(t, res.BackupID, metas[0].ID)
	assert.Equal(t, owner, metas[0].Owner)
	assert.True(t, now.Equal(metas[0].CreatedAt))
	assert.Equal(t, 2, metas[0].RecordCount)
	assert.Equal(t, hex.EncodeToString(sum[:]), metas[0].SHA256)
}

func TestFileBackupStore_ListUnknownOwner(t *testing.T) {
	backups, err := NewFileBackupStore(t.TempDir())
	require.NoError(t, err)
	metas, err := backups.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestPrune_ArchivesByCategory(t *testing.T) {
	pattern := newRec(t, record.KindPattern, "p", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} })
	solution := newRec(t, record.KindSolution, "s", func(r *record.Record) { r.Solution.Worked = false })
	decision := newRec(t, record.KindDecision, "d", func(r *record.Record) { r.Decision.WouldRepeat = false })
	f := newFixture(t, DefaultConfig(), pattern, solution, decision)

	archive, err := NewGzipArchive(t.TempDir())
	require.NoError(t, err)
	archive.SetClock(func() time.Time { return now })
	f.pruner.SetArchive(archive)

	res, err := f.pruner.Prune(context.Background(), owner, []Strategy{StrategyPerformance}, Options{Archive: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ArchivedCount)

	dir := filepath.Join(archive.Root(), owner)
	assert.Equal(t, []string{
		filepath.Join(dir, "patterns_20260301_120000.json.gz"),
		filepath.Join(dir, "solutions_20260301_120000.json.gz"),
		filepath.Join(dir, "negative_decisions_20260301_120000.json.gz"),
	}, res.Archives)

	doc, err := ReadArchive(res.Archives[2])
	require.NoError(t, err)
	assert.Equal(t, owner, doc.Owner)
	assert.Equal(t, "negative_decisions", doc.Category)
	assert.True(t, now.Equal(doc.ArchivedAt))
	assert.Equal(t, []string{decision.ID}, doc.Records.IDs())
	assert.Empty(t, f.ids(t))
}

func TestPrune_DecisionsAreAlwaysArchived(t *testing.T) {
	pattern := newRec(t, record.KindPattern, "p", func(r *record.Record) { r.Metrics = record.Metrics{ExecutionCount: 5} })
	decision := newRec(t, record.KindDecision, "d", func(r *record.Record) {
		r.CreatedAt = daysAgo(300)
		r.Evolution.LastUsed = daysAgo(200)
	})
	f := newFixture(t, DefaultConfig(), pattern, decision)

	archive, err := NewGzipArchive(t.TempDir())
	require.NoError(t, err)
	archive.SetClock(func() time.Time { return now })
	f.pruner.SetArchive(archive)

	res, err := f.pruner.Prune(context.Background(), owner, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RemovedCount)
	assert.Equal(t, 1, res.ArchivedCount)
	require.Len(t, res.Archives, 1)
	assert.Equal(t, "decisions_20260301_120000.json.gz", filepath.Base(res.Archives[0]))
}

func TestGzipArchive(t *testing.T) {
	archive, err := NewGzipArchive(t.TempDir())
	require.NoError(t, err)
	archive.SetClock(func() time.Time { return now })
	ctx := context.Background()
	set := record.Set{newRec(t, record.KindPattern, "p", nil)}

	first, err := archive.Archive(ctx, owner, "patterns", set)
	require.NoError(t, err)
	second, err := archive.Archive(ctx, owner, "patterns", set)
	require.NoError(t, err)
	assert.Equal(t, "patterns_20260301_120000.json.gz", filepath.Base(first))
	assert.Equal(t, "patterns_20260301_120000_1.json.gz", filepath.Base(second))

	info, err := os.Stat(first)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = archive.Archive(ctx, owner, "../escape", set)
	assert.Error(t, err)
	_, err = archive.Archive(ctx, "../escape", "patterns", set)
	assert.ErrorIs(t, err, record.ErrInvalidOwner)

	require.NoError(t, archive.Discard(ctx, first))
	assert.NoFileExists(t, first)
	assert.FileExists(t, second)
	assert.NoError(t, archive.Discard(ctx, first))
	assert.Error(t, archive.Discard(ctx, filepath.Join(t.TempDir(), "other.json.gz")))
	assert.Error(t, archive.Discard(ctx, archive.Root()))
}

func TestCollect(t *testing.T) {
	doc := `{"version":1,"owner":"agent","records":[
		{"id":"1","owner":"agent","kind":"pattern","type":"t","evolution":{"confidence":0.3}},
		{"id":"2","owner":"agent","kind":"pattern","type":"t","context":{"a":[1]}},
		{"id":"3","owner":"agent","kind":"pattern","type":"t","evolution":{"confidence":3}},
		{"id":"1","owner":"agent","kind":"pattern","type":"t"},
		{"id":"4","owner":"other","kind":"pattern","type":"t"},
		{"id":"5","owner":"agent","kind":"decision","type":"t"}
	]}`
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.docs.Save(ctx, owner, []byte(doc)))

	res, err := f.pruner.Collect(ctx, owner, true)
	require.NoError(t, err)
	assert.Equal(t, 4, res.WouldRemoveCount)
	assert.Zero(t, res.RemovedCount)

	res, err = f.pruner.Collect(ctx, owner, false)
	require.NoError(t, err)
	assert.Equal(t, 4, res.RemovedCount)
	assert.Equal(t, map[Reason]int{ReasonFailedValidation: 3, ReasonDuplicate: 1}, res.Summary)
	for _, r := range res.Removed {
		assert.Equal(t, StrategyGC, r.Strategy)
	}
	assert.Equal(t, []string{"1", "5"}, f.ids(t))

	res, err = f.pruner.Collect(ctx, owner, false)
	require.NoError(t, err)
	assert.Zero(t, res.RemovedCount)
}

func TestCollect_CorruptEnvelopeAborts(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, f.docs.Save(ctx, owner, []byte(`{"version":`)))

	_, err := f.pruner.Collect(ctx, owner, false)
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, store.ErrCorruptState)
}

func TestPruneOwners(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	for _, o := range []string{"a", "b"} {
		r, err := record.New(o, record.KindPattern, "t")
		require.NoError(t, err)
		r.CreatedAt = now
		r.Metrics = record.Metrics{ExecutionCount: 5}
		r.Evolution.Confidence = 0.5
		require.NoError(t, f.store.Put(ctx, o, record.Set{r}))
	}

	results, err := f.pruner.PruneOwners(ctx, []string{"a", "b", "../bad"}, nil, Options{}, 2)
	require.Len(t, results, 3)
	assert.Equal(t, 1, results[0].RemovedCount)
	assert.Equal(t, 1, results[1].RemovedCount)
	assert.Nil(t, results[2])
	assert.ErrorIs(t, err, ErrAborted)
	assert.ErrorIs(t, err, record.ErrInvalidOwner)
}

func TestPrune_Metrics(t *testing.T) {
	f := newFixture(t, DefaultConfig(), newRec(t, record.KindPattern, "t", func(r *record.Record) {
		r.Metrics = record.Metrics{ExecutionCount: 5}
	}))
	m := NewMetrics()
	f.pruner.SetMetrics(m)

	removed := m.RecordsTotal.WithLabelValues("performance", "low_success_rate", "removed")
	before := testutil.ToFloat64(removed)
	passes := testutil.ToFloat64(m.PassesTotal.WithLabelValues("ok"))

	_, err := f.pruner.Prune(context.Background(), owner, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(removed))
	assert.Equal(t, passes+1, testutil.ToFloat64(m.PassesTotal.WithLabelValues("ok")))

	aborted := testutil.ToFloat64(m.PassesTotal.WithLabelValues("aborted"))
	_, err = f.pruner.Prune(context.Background(), "../bad", nil, Options{})
	require.Error(t, err)
	assert.Equal(t, aborted+1, testutil.ToFloat64(m.PassesTotal.WithLabelValues("aborted")))
}

func TestScheduler(t *testing.T) {
	t.Run("requires a pruner", func(t *testing.T) {
		_, err := NewScheduler(nil, nil)
		assert.Error(t, err)
	})

	t.Run("rejects a non-positive interval", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		_, err := NewScheduler(f.pruner, nil, WithInterval(0))
		assert.Error(t, err)
	})

	t.Run("start and stop", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		s, err := NewScheduler(f.pruner, nil, WithInterval(time.Hour))
		require.NoError(t, err)

		require.NoError(t, s.Start())
		assert.True(t, s.Running())
		assert.Error(t, s.Start())

		s.Stop()
		assert.False(t, s.Running())
		s.Stop()

		require.NoError(t, s.Start())
		s.Stop()
	})

	t.Run("run once uses the owner source", func(t *testing.T) {
		failing := newRec(t, record.KindPattern, "t", func(r *record.Record) {
			r.Metrics = record.Metrics{ExecutionCount: 5}
		})
		f := newFixture(t, DefaultConfig(), failing)
		s, err := NewScheduler(f.pruner, nil, WithOwnerSource(f.store), WithStrategies([]Strategy{StrategyPerformance}))
		require.NoError(t, err)

		results, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, 1, results[0].RemovedCount)
	})

	t.Run("run once without owners", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		s, err := NewScheduler(f.pruner, nil)
		require.NoError(t, err)
		results, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("prunes on each tick", func(t *testing.T) {
		failing := newRec(t, record.KindPattern, "t", func(r *record.Record) {
			r.Metrics = record.Metrics{ExecutionCount: 5}
		})
		f := newFixture(t, DefaultConfig(), failing)
		s, err := NewScheduler(f.pruner, nil, WithInterval(10*time.Millisecond), WithOwners([]string{owner}))
		require.NoError(t, err)
		require.NoError(t, s.Start())
		defer s.Stop()

		assert.Eventually(t, func() bool {
			set, err := f.store.Get(context.Background(), owner)
			return err == nil && len(set) == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

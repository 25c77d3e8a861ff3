// Package query resolves point, context, ranked and fuzzy queries over an
// owner's record set.
//
// Every entry point rebuilds the Index from the current record set; indices are
// never cached between calls.
package query

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
	"github.com/fyrsmithlabs/aml/internal/similarity"
)

// SortBy selects the result order of a Query.
type SortBy string

const (
	SortWeight     SortBy = "weight"
	SortConfidence SortBy = "confidence"
	SortRecency    SortBy = "recency"
	SortUsage      SortBy = "usage"
	SortInsertion  SortBy = "insertion"
)

// Valid reports whether s is a known order. The empty value means SortWeight.
func (s SortBy) Valid() bool {
	switch s {
	case "", SortWeight, SortConfidence, SortRecency, SortUsage, SortInsertion:
		return true
	}
	return false
}

// Query selects and orders records. Zero-valued fields do not filter.
type Query struct {
	Type string
	Tag  string
	Kind record.Kind

	// Context requires every pair to be present with an equal value.
	Context record.Context

	MinConfidence float64
	SortBy        SortBy

	// Limit caps the result size. Zero or negative means no limit.
	Limit int

	// TargetContext boosts records matching it when sorting by weight.
	TargetContext record.Context

	IncludeInactive bool
	TrustedOnly     bool
}

// Config tunes ranking and fuzzy search.
type Config struct {
	// ContextBoost scales the context-match term added to weight.
	ContextBoost float64

	// FuzzyMinSimilarity is the default threshold for fuzzy search.
	FuzzyMinSimilarity float64
}

// DefaultConfig returns the standard ranking parameters.
func DefaultConfig() Config {
	return Config{ContextBoost: 0.2, FuzzyMinSimilarity: 0.6}
}

// Source supplies an owner's records. *store.Store satisfies it.
type Source interface {
	Get(ctx context.Context, owner string) (record.Set, error)
}

// Engine answers queries against a Source.
type Engine struct {
	src    Source
	model  *scoring.Model
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an Engine. A nil model uses the default scoring model.
func NewEngine(src Source, model *scoring.Model, cfg Config, logger *zap.Logger) *Engine {
	if model == nil {
		model = scoring.NewModel(scoring.DefaultConfig())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{src: src, model: model, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the wall clock used for recency.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Query loads the owner's records and applies q. An owner without records
// yields an empty set.
func (e *Engine) Query(ctx context.Context, owner string, q Query) (record.Set, error) {
	set, err := e.src.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := e.Select(set, q, e.now())
	e.logger.Debug("query resolved",
		zap.String("owner", owner),
		zap.Int("candidates", len(set)),
		zap.Int("results", len(out)))
	return out, nil
}

// Select applies q to set. The returned set shares records with set.
func (e *Engine) Select(set record.Set, q Query, now time.Time) record.Set {
	ix := BuildIndex(set)

	var postings []int
	filtered := false
	narrow := func(p []int) {
		if !filtered {
			postings, filtered = p, true
			return
		}
		postings = intersect(postings, p)
	}
	if q.Type != "" {
		narrow(ix.typePostings(q.Type))
	}
	if q.Tag != "" {
		narrow(ix.tagPostings(q.Tag))
	}
	if len(q.Context) > 0 {
		narrow(ix.contextPostings(q.Context))
	}
	if q.MinConfidence > 0 {
		narrow(ix.confidencePostings(q.MinConfidence))
	}
	if !filtered {
		postings = make([]int, len(set))
		for i := range set {
			postings[i] = i
		}
	}

	out := make(record.Set, 0, len(postings))
	for _, pos := range postings {
		r := set[pos]
		if r == nil {
			continue
		}
		if !q.IncludeInactive && !r.Active {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if q.TrustedOnly && !e.model.Trusted(r) {
			continue
		}
		// Index keys render scalars as text; confirm scalar kinds match too.
		if !r.Context.Matches(q.Context) {
			continue
		}
		out = append(out, r)
	}

	e.order(out, q, now)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (e *Engine) order(set record.Set, q Query, now time.Time) {
	switch q.SortBy {
	case SortInsertion:
		return
	case SortConfidence:
		sort.SliceStable(set, func(i, j int) bool {
			return set[i].Evolution.Confidence > set[j].Evolution.Confidence
		})
	case SortRecency:
		sort.SliceStable(set, func(i, j int) bool {
			return set[i].LastActivity().After(set[j].LastActivity())
		})
	case SortUsage:
		sort.SliceStable(set, func(i, j int) bool {
			return set[i].Metrics.ExecutionCount > set[j].Metrics.ExecutionCount
		})
	default:
		scored := e.Rank(set, q.TargetContext, now)
		for i, s := range scored {
			set[i] = s.Record
		}
	}
}

// Scored is a ranked record.
type Scored struct {
	Record *record.Record

	// Weight is the scoring model weight.
	Weight float64

	// ContextMatch is the fraction of target pairs the record matches,
	// or 0 without a target.
	ContextMatch float64

	// Score is Weight plus the context boost.
	Score float64
}

// Rank orders set by weight plus ContextBoost times the target context match,
// highest first. Equal scores keep their input order.
func (e *Engine) Rank(set record.Set, target record.Context, now time.Time) []Scored {
	out := make([]Scored, 0, len(set))
	for _, r := range set {
		if r == nil {
			continue
		}
		s := Scored{Record: r, Weight: e.model.Weight(r, now)}
		if len(target) > 0 {
			s.ContextMatch = r.Context.MatchFraction(target)
		}
		s.Score = s.Weight + e.cfg.ContextBoost*s.ContextMatch
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Match is a fuzzy search hit.
type Match struct {
	Record     *record.Record
	Similarity float64
}

// FuzzySearch matches text against each record's rationale and type,
// case-insensitively. A field containing text scores 1; otherwise the score is
// the normalized edit similarity. Hits below minSimilarity are dropped. Results
// are ordered by similarity, ties in input order.
func FuzzySearch(set record.Set, text string, minSimilarity float64) []Match {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil
	}

	var out []Match
	for _, r := range set {
		if r == nil {
			continue
		}
		best := 0.0
		for _, field := range []string{r.Approach.Rationale, r.Type} {
			if field == "" {
				continue
			}
			if s := fieldSimilarity(strings.ToLower(field), needle); s > best {
				best = s
			}
		}
		if best >= minSimilarity {
			out = append(out, Match{Record: r, Similarity: best})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	return out
}

func fieldSimilarity(field, needle string) float64 {
	if strings.Contains(field, needle) {
		return 1.0
	}
	return similarity.StringSimilarity(field, needle)
}

// Similarity compares two records:
//
//	0.4*[same type] + 0.3*Jaccard(context keys) + 0.2*[same technique] + 0.1*Jaccard(tags)
func Similarity(a, b *record.Record) float64 {
	var s float64
	if a.Type == b.Type {
		s += 0.4
	}
	s += 0.3 * similarity.Jaccard(a.Context.Keys(), b.Context.Keys())
	if a.Approach.Technique == b.Approach.Technique {
		s += 0.2
	}
	s += 0.1 * similarity.Jaccard(a.Tags, b.Tags)
	return s
}

// Related is a record similar to a reference record.
type Related struct {
	Record     *record.Record
	Similarity float64
}

// Similar returns up to limit active records most similar to the record id,
// excluding the record itself. Returns record.ErrNotFound for an unknown id.
func (e *Engine) Similar(ctx context.Context, owner, id string, limit int) ([]Related, error) {
	set, err := e.src.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	ref, err := set.Get(id)
	if err != nil {
		return nil, err
	}

	out := make([]Related, 0, len(set))
	for _, r := range set {
		if r == nil || r.ID == ref.ID || !r.Active {
			continue
		}
		out = append(out, Related{Record: r, Similarity: Similarity(ref, r)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Similarity > out[j].Similarity
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

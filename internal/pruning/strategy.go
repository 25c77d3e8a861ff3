package pruning

import (
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
)

// failedPatternSuccessRate is the success rate under which an old pattern
// with enough executions counts as failed.
const failedPatternSuccessRate = 0.3

// Removal is one record selected by a pass.
type Removal struct {
	ID       string      `json:"id"`
	Kind     record.Kind `json:"kind"`
	Type     string      `json:"type"`
	Strategy Strategy    `json:"strategy"`
	Reason   Reason      `json:"reason"`

	// Deactivated is true when the record was kept and marked inactive.
	Deactivated bool `json:"deactivated,omitempty"`
}

// selection pairs a selected record with why it was selected.
type selection struct {
	record  *record.Record
	removal Removal
}

// plan applies strategies in order. Each strategy only sees records no
// earlier strategy selected. The input set is not modified.
func plan(set record.Set, strategies []Strategy, cfg Config, model *scoring.Model, now time.Time) []selection {
	survivors := set
	var selected []selection

	for _, strategy := range strategies {
		var picked []selection
		switch strategy {
		case StrategyTime:
			picked = selectEach(survivors, strategy, func(r *record.Record) (Reason, bool) {
				return timeRule(r, cfg, now)
			})
		case StrategyPerformance:
			picked = selectEach(survivors, strategy, func(r *record.Record) (Reason, bool) {
				return performanceRule(r, cfg)
			})
		case StrategySpace:
			picked = spaceRule(survivors, cfg.MaxCount, model, now)
		}
		if len(picked) == 0 {
			continue
		}
		selected = append(selected, picked...)
		drop := make(map[string]struct{}, len(picked))
		for _, s := range picked {
			drop[s.record.ID] = struct{}{}
		}
		survivors = survivors.Without(drop)
	}
	return selected
}

func selectEach(set record.Set, strategy Strategy, rule func(*record.Record) (Reason, bool)) []selection {
	var out []selection
	for _, r := range set {
		if reason, ok := rule(r); ok {
			out = append(out, newSelection(r, strategy, reason))
		}
	}
	return out
}

func newSelection(r *record.Record, strategy Strategy, reason Reason) selection {
	return selection{
		record: r,
		removal: Removal{
			ID:       r.ID,
			Kind:     r.Kind,
			Type:     r.Type,
			Strategy: strategy,
			Reason:   reason,
		},
	}
}

// maxAgeDays returns the unused-age limit for r's kind.
func maxAgeDays(r *record.Record, cfg Config) int {
	switch r.Kind {
	case record.KindDecision:
		return cfg.DecisionMaxAgeDays
	case record.KindSolution:
		return cfg.SolutionMaxAgeDays
	}
	return cfg.MaxAgeDays
}

// ageDays is the record's age from CreatedAt, falling back to LastUsed.
func ageDays(r *record.Record, now time.Time) float64 {
	created := r.CreatedAt
	if created.IsZero() {
		created = r.Evolution.LastUsed
	}
	return scoring.DaysSince(created, now)
}

// UsageRate is executions per day of age. Ages under one day count as one.
func UsageRate(r *record.Record, now time.Time) float64 {
	return float64(r.Metrics.ExecutionCount) / math.Max(ageDays(r, now), 1)
}

func timeRule(r *record.Record, cfg Config, now time.Time) (Reason, bool) {
	unused := scoring.DaysSince(r.LastActivity(), now)
	if unused > float64(maxAgeDays(r, cfg)) {
		preserved := UsageRate(r, now) >= cfg.MinUsageRate ||
			(cfg.PreserveHighValue && r.Evolution.Confidence > cfg.HighValueThreshold)
		if !preserved {
			return ReasonUnusedTooLong, true
		}
	}

	if r.Kind == record.KindPattern &&
		r.Metrics.ExecutionCount >= cfg.MinExecutionCount &&
		r.SuccessRate() < failedPatternSuccessRate &&
		ageDays(r, now) > float64(cfg.FailedPatternMaxAgeDays) {
		return ReasonLowSuccessRate, true
	}
	return "", false
}

func performanceRule(r *record.Record, cfg Config) (Reason, bool) {
	switch r.Kind {
	case record.KindPattern:
		if r.Metrics.ExecutionCount < cfg.MinExecutionCount {
			return "", false
		}
		if r.SuccessRate() < cfg.MinSuccessRate {
			return ReasonLowSuccessRate, true
		}
		if r.Evolution.Confidence < cfg.MinConfidence {
			return ReasonLowConfidence, true
		}
	case record.KindSolution:
		if r.Solution != nil && !r.Solution.Worked {
			return ReasonOutdatedSolution, true
		}
	case record.KindDecision:
		if r.Decision.NegativeOutcome() {
			return ReasonNegativeOutcome, true
		}
	}
	return "", false
}

// spaceRule selects the lowest-weight records until at most maxCount remain.
// Equal weights keep their set order, so earlier records go first.
func spaceRule(set record.Set, maxCount int, model *scoring.Model, now time.Time) []selection {
	excess := len(set) - maxCount
	if excess <= 0 {
		return nil
	}
	type weighted struct {
		r *record.Record
		w float64
	}
	ranked := make([]weighted, len(set))
	for i, r := range set {
		ranked[i] = weighted{r: r, w: model.Weight(r, now)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].w < ranked[j].w
	})

	out := make([]selection, excess)
	for i := 0; i < excess; i++ {
		out[i] = newSelection(ranked[i].r, StrategySpace, ReasonMemoryLimitExceeded)
	}
	return out
}

// archiveCategory names the archive a removed record goes to.
func archiveCategory(s selection) string {
	switch s.record.Kind {
	case record.KindDecision:
		if s.removal.Strategy == StrategyPerformance {
			return "negative_decisions"
		}
		return "decisions"
	case record.KindSolution:
		return "solutions"
	}
	return "patterns"
}

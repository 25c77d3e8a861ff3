// Package recognition mines repeatable action sequences out of raw execution
// histories and validates them into pattern records.
//
// The pipeline is Extract, Group, ScoreSequence, Validate and MatchSequence.
// Engine runs it end to end and proposes a record for every accepted candidate:
// an adapted copy of an exactly matching record, or a new pattern record.
package recognition

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
)

// RecognizedTag marks records created from mined sequences.
const RecognizedTag = "recognized"

// Result is the outcome for one grouped candidate. Exactly one of Record and
// Rejection is set.
type Result struct {
	Candidate    ActionSequence
	Score        Score
	Significance Significance
	Matches      []Match

	// Record is the proposed record for an accepted candidate.
	Record *record.Record

	// Adapted is true when Record is an adapted copy of an existing record.
	Adapted bool

	Rejection *Rejection
}

// Accepted reports whether the candidate passed validation.
func (r Result) Accepted() bool {
	return r.Rejection == nil
}

// Engine runs the recognition pipeline.
type Engine struct {
	cfg     Config
	model   *scoring.Model
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewEngine creates an Engine. An invalid cfg falls back to DefaultConfig and a
// nil model to the default scoring model.
func NewEngine(cfg Config, model *scoring.Model, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		logger.Warn("invalid recognition config, using defaults", zap.Error(err))
		cfg = DefaultConfig()
	}
	if model == nil {
		model = scoring.NewModel(scoring.DefaultConfig())
	}
	return &Engine{cfg: cfg, model: model, logger: logger, now: time.Now}
}

// SetMetrics enables Prometheus metrics.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// SetClock overrides the wall clock.
func (e *Engine) SetClock(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ExtractAndValidate mines actions and returns one Result per candidate that
// survived grouping, in order of first appearance. Rejected candidates are
// reported with their reason.
func (e *Engine) ExtractAndValidate(owner string, actions []Action, existing record.Set, target record.Context) []Result {
	now := e.now()
	windows := Extract(actions, e.cfg)
	e.metrics.observeWindows(len(windows))
	candidates := Group(windows, 1)

	results := make([]Result, 0, len(candidates))
	adapted := make(map[string]*record.Record)
	for _, c := range candidates {
		res := Result{
			Candidate: c,
			Score:     ScoreSequence(c, existing, target, e.cfg, now),
		}

		sig, err := Validate(c, existing, e.cfg)
		res.Significance = sig
		if err != nil {
			var rej *Rejection
			if !errors.As(err, &rej) {
				rej = &Rejection{Reason: ReasonNotSignificant, Detail: err.Error()}
			}
			res.Rejection = rej
			e.metrics.recordRejected(rej.Reason)
			e.logger.Debug("candidate rejected",
				zap.String("owner", owner),
				zap.String("signature", c.Signature),
				zap.String("reason", string(rej.Reason)),
				zap.String("detail", rej.Detail))
			results = append(results, res)
			continue
		}

		res.Matches = MatchSequence(c, existing, e.cfg)
		res.Record, res.Adapted, err = e.propose(owner, c, res.Matches, adapted, now)
		if err != nil {
			res.Rejection = &Rejection{Reason: ReasonInvalidRecord, Detail: err.Error()}
			e.metrics.recordRejected(res.Rejection.Reason)
			results = append(results, res)
			continue
		}
		e.metrics.recordAccepted()
		e.logger.Debug("candidate accepted",
			zap.String("owner", owner),
			zap.String("signature", c.Signature),
			zap.Float64("score", res.Score.Total),
			zap.Float64("p_value", sig.PValue),
			zap.Bool("adapted", res.Adapted))
		results = append(results, res)
	}
	return results
}

// propose adapts a copy of the best exact match, or builds a new record. A
// record already adapted in this run is adapted again from that copy, so
// every candidate's observations accumulate.
func (e *Engine) propose(owner string, c ActionSequence, matches []Match, adapted map[string]*record.Record, now time.Time) (*record.Record, bool, error) {
	for _, m := range matches {
		if m.Class == MatchExact {
			base := m.Record
			if prev, ok := adapted[base.ID]; ok {
				base = prev
			}
			r := base.Clone()
			e.model.Adapt(r, c.Frequency, c.Successes, now)
			adapted[r.ID] = r
			return r, true, nil
		}
	}
	r, err := NewRecord(owner, c, e.model, now)
	if err != nil {
		return nil, false, err
	}
	if err := r.Validate(); err != nil {
		return nil, false, err
	}
	return r, false, nil
}

// NewRecord builds a pattern record from an accepted candidate.
func NewRecord(owner string, c ActionSequence, model *scoring.Model, now time.Time) (*record.Record, error) {
	types := c.Types()
	r, err := model.NewRecord(owner, record.KindPattern, strings.Join(types, "->"))
	if err != nil {
		return nil, err
	}
	r.Context = c.MergedContext()
	r.Approach = record.Approach{
		Technique: "action-sequence",
		Rationale: fmt.Sprintf("Observed %d times with %.0f%% success", c.Frequency, c.SuccessRatio*100),
		Steps:     types,
	}
	r.Metrics = record.Metrics{
		ExecutionCount: c.Frequency,
		SuccessCount:   c.Successes,
		AvgDurationMs:  float64(c.AvgDuration) / float64(time.Millisecond),
	}
	r.Evolution.LastUsed = c.LastSeen.UTC()
	r.Tags = []string{RecognizedTag}
	r.CreatedAt = now.UTC()
	return r, nil
}

package record

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Common errors for record operations.
var (
	ErrNotFound            = errors.New("record not found")
	ErrInvalidRecord       = errors.New("invalid record")
	ErrEmptyID             = errors.New("record ID cannot be empty")
	ErrInvalidOwner        = errors.New("owner must match ^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$")
	ErrOwnerMismatch       = errors.New("record owner does not match record set owner")
	ErrEmptyType           = errors.New("record type cannot be empty")
	ErrInvalidKind         = errors.New("kind must be 'pattern', 'solution' or 'decision'")
	ErrInvalidConfidence   = errors.New("confidence must be between 0.0 and 1.0")
	ErrInvalidMetrics      = errors.New("success count cannot exceed execution count")
	ErrDuplicateContextKey = errors.New("duplicate context key")
	ErrDuplicateID         = errors.New("duplicate record ID")
	ErrNonScalar           = errors.New("context values must be string, number or boolean")
)

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateOwner checks that owner is usable as a storage key.
func ValidateOwner(owner string) error {
	if !ownerPattern.MatchString(owner) || owner == "." || owner == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	return nil
}

// DefaultConfidence is the confidence New assigns.
const DefaultConfidence = 0.3

// Kind discriminates the record variants. All variants share scoring and lifecycle.
type Kind string

const (
	// KindPattern is a reusable behavioral pattern.
	KindPattern Kind = "pattern"

	// KindSolution is a known fix for a recurring problem.
	KindSolution Kind = "solution"

	// KindDecision is a recorded choice and its outcome.
	KindDecision Kind = "decision"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPattern || k == KindSolution || k == KindDecision
}

// Approach describes how a record solves its problem.
type Approach struct {
	Technique string   `json:"technique"`
	Rationale string   `json:"rationale,omitempty"`
	Steps     []string `json:"steps"`
}

// Conditions lists when a record applies.
type Conditions struct {
	WhenApplicable    []string `json:"when_applicable"`
	WhenNotApplicable []string `json:"when_not_applicable"`
}

// Metrics holds usage history. Success rate is derived from it.
type Metrics struct {
	ExecutionCount int     `json:"execution_count"`
	SuccessCount   int     `json:"success_count"`
	AvgTimeSavedMs float64 `json:"avg_time_saved_ms,omitempty"`
	AvgDurationMs  float64 `json:"avg_duration_ms,omitempty"`
}

// Evolution tracks how a record's trustworthiness changed over time.
type Evolution struct {
	Confidence      float64   `json:"confidence"`
	LastUsed        time.Time `json:"last_used,omitempty"`
	RefinementCount int       `json:"refinement_count"`
}

// SolutionDetail is the payload specific to KindSolution.
type SolutionDetail struct {
	Worked bool `json:"worked"`
}

// DecisionDetail is the payload specific to KindDecision.
type DecisionDetail struct {
	WouldRepeat    bool               `json:"would_repeat"`
	SuccessMetrics map[string]float64 `json:"success_metrics"`
}

// NegativeOutcome reports whether the decision should not be repeated or
// its success metrics average below one half.
func (d *DecisionDetail) NegativeOutcome() bool {
	if d == nil {
		return false
	}
	if len(d.SuccessMetrics) > 0 {
		var sum float64
		for _, v := range d.SuccessMetrics {
			sum += v
		}
		if sum/float64(len(d.SuccessMetrics)) < 0.5 {
			return true
		}
	}
	return !d.WouldRepeat
}

// Record is a stored unit of learned behavior: a pattern, solution or decision.
//
// Kind selects the variant. Solution and Decision carry the variant payloads and
// are nil for other kinds. Every variant is scored by the same model.
type Record struct {
	// ID is the unique record identifier (UUID). Immutable once assigned.
	ID string `json:"id"`

	// Owner is the agent namespace the record belongs to.
	Owner string `json:"owner"`

	Kind Kind `json:"kind"`

	// Type is the semantic type, e.g. "error-recovery" or "refactor".
	Type string `json:"type"`

	Context    Context    `json:"context"`
	Approach   Approach   `json:"approach"`
	Conditions Conditions `json:"conditions"`
	Metrics    Metrics    `json:"metrics"`
	Evolution  Evolution  `json:"evolution"`
	Tags       []string   `json:"tags"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`

	Solution *SolutionDetail `json:"solution,omitempty"`
	Decision *DecisionDetail `json:"decision,omitempty"`
}

// New creates an active record with a generated UUID and DefaultConfidence.
// Use scoring.Model.NewRecord to start from a configured initial confidence.
func New(owner string, kind Kind, typ string) (*Record, error) {
	if err := ValidateOwner(owner); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, ErrInvalidKind
	}
	if typ == "" {
		return nil, ErrEmptyType
	}
	r := &Record{
		ID:        uuid.New().String(),
		Owner:     owner,
		Kind:      kind,
		Type:      typ,
		Context:   Context{},
		Evolution: Evolution{Confidence: DefaultConfidence},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	switch kind {
	case KindSolution:
		r.Solution = &SolutionDetail{Worked: true}
	case KindDecision:
		r.Decision = &DecisionDetail{WouldRepeat: true}
	}
	return r, nil
}

// SuccessRate is SuccessCount/ExecutionCount, or 0 without executions.
func (r *Record) SuccessRate() float64 {
	if r.Metrics.ExecutionCount <= 0 {
		return 0
	}
	return float64(r.Metrics.SuccessCount) / float64(r.Metrics.ExecutionCount)
}

// LastActivity returns LastUsed, falling back to CreatedAt.
func (r *Record) LastActivity() time.Time {
	if !r.Evolution.LastUsed.IsZero() {
		return r.Evolution.LastUsed
	}
	return r.CreatedAt
}

// ResetMetrics clears usage history. It is the only path that lowers ExecutionCount.
func (r *Record) ResetMetrics() {
	r.Metrics = Metrics{}
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.ID == "" {
		return ErrEmptyID
	}
	if err := ValidateOwner(r.Owner); err != nil {
		return err
	}
	if !r.Kind.Valid() {
		return ErrInvalidKind
	}
	if r.Type == "" {
		return ErrEmptyType
	}
	if r.Evolution.Confidence < 0.0 || r.Evolution.Confidence > 1.0 {
		return ErrInvalidConfidence
	}
	if r.Metrics.ExecutionCount < 0 || r.Metrics.SuccessCount < 0 ||
		r.Metrics.SuccessCount > r.Metrics.ExecutionCount {
		return ErrInvalidMetrics
	}
	if err := r.Context.Validate(); err != nil {
		return err
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Context = r.Context.Clone()
	c.Approach.Steps = cloneStrings(r.Approach.Steps)
	c.Conditions.WhenApplicable = cloneStrings(r.Conditions.WhenApplicable)
	c.Conditions.WhenNotApplicable = cloneStrings(r.Conditions.WhenNotApplicable)
	c.Tags = cloneStrings(r.Tags)
	if r.Solution != nil {
		s := *r.Solution
		c.Solution = &s
	}
	if r.Decision != nil {
		d := *r.Decision
		if r.Decision.SuccessMetrics != nil {
			d.SuccessMetrics = make(map[string]float64, len(r.Decision.SuccessMetrics))
			for k, v := range r.Decision.SuccessMetrics {
				d.SuccessMetrics[k] = v
			}
		}
		c.Decision = &d
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

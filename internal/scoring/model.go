// Package scoring holds the single confidence and weight model shared by
// querying, recognition and pruning.
package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
)

// Weight components. They sum to 1.
const (
	successWeight    = 0.4
	recencyWeight    = 0.3
	usageWeight      = 0.15
	confidenceWeight = 0.15
)

// Config holds the model parameters.
type Config struct {
	// InitialConfidence is assigned to newly created records.
	InitialConfidence float64

	// LearningRate is the step size toward each observed outcome.
	LearningRate float64

	MinConfidence float64
	MaxConfidence float64

	// PromotionThreshold is the success count at which a record is trusted.
	PromotionThreshold int

	// RecencyHorizonDays is the decay constant of the recency term.
	RecencyHorizonDays float64

	// UsageSaturation is the execution count at which the usage term saturates.
	UsageSaturation int
}

// DefaultConfig returns the standard model parameters.
func DefaultConfig() Config {
	return Config{
		InitialConfidence:  record.DefaultConfidence,
		LearningRate:       0.1,
		MinConfidence:      0.1,
		MaxConfidence:      1.0,
		PromotionThreshold: 5,
		RecencyHorizonDays: 30,
		UsageSaturation:    100,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.LearningRate <= 0 || c.LearningRate > 1 {
		return fmt.Errorf("learning rate must be in (0,1], got %v", c.LearningRate)
	}
	if c.MinConfidence < 0 || c.MaxConfidence > 1 || c.MinConfidence > c.MaxConfidence {
		return fmt.Errorf("confidence bounds must satisfy 0 <= min <= max <= 1, got [%v,%v]",
			c.MinConfidence, c.MaxConfidence)
	}
	if c.InitialConfidence < c.MinConfidence || c.InitialConfidence > c.MaxConfidence {
		return fmt.Errorf("initial confidence %v outside [%v,%v]",
			c.InitialConfidence, c.MinConfidence, c.MaxConfidence)
	}
	if c.PromotionThreshold < 1 {
		return fmt.Errorf("promotion threshold must be positive")
	}
	if c.RecencyHorizonDays <= 0 {
		return fmt.Errorf("recency horizon must be positive")
	}
	if c.UsageSaturation < 1 {
		return fmt.Errorf("usage saturation must be positive")
	}
	return nil
}

// Usage is a single usage report.
type Usage struct {
	Success bool

	// TimeSavedMs is folded into the running average when set.
	TimeSavedMs *float64
}

// Model computes confidence steps and record weights.
// It is stateless and safe for concurrent use.
type Model struct {
	cfg Config
}

// NewModel creates a model. Invalid configs fall back to DefaultConfig.
func NewModel(cfg Config) *Model {
	if cfg.Validate() != nil {
		cfg = DefaultConfig()
	}
	return &Model{cfg: cfg}
}

// Config returns the model parameters.
func (m *Model) Config() Config {
	return m.cfg
}

// InitialConfidence is the confidence new records start with.
func (m *Model) InitialConfidence() float64 {
	return m.cfg.InitialConfidence
}

// NewRecord creates a record starting at the model's initial confidence.
func (m *Model) NewRecord(owner string, kind record.Kind, typ string) (*record.Record, error) {
	r, err := record.New(owner, kind, typ)
	if err != nil {
		return nil, err
	}
	r.Evolution.Confidence = m.cfg.InitialConfidence
	return r, nil
}

// NextConfidence moves c one learning-rate step toward the outcome
// (1 for success, 0 for failure) and clamps to [MinConfidence, MaxConfidence].
func (m *Model) NextConfidence(c float64, success bool) float64 {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	return m.step(c, outcome)
}

func (m *Model) step(c, outcome float64) float64 {
	return m.clamp(c + m.cfg.LearningRate*(outcome-c))
}

func (m *Model) clamp(c float64) float64 {
	if math.IsNaN(c) {
		return m.cfg.MinConfidence
	}
	return math.Max(m.cfg.MinConfidence, math.Min(m.cfg.MaxConfidence, c))
}

// Weight is the ranking weight of r at now:
//
//	0.4*successRate + 0.3*exp(-days/horizon) + 0.15*min(executions/saturation, 1) + 0.15*confidence
//
// days is fractional, measured from LastUsed or CreatedAt, and never negative.
func (m *Model) Weight(r *record.Record, now time.Time) float64 {
	return successWeight*r.SuccessRate() +
		recencyWeight*m.Recency(r.LastActivity(), now) +
		usageWeight*m.usage(r.Metrics.ExecutionCount) +
		confidenceWeight*r.Evolution.Confidence
}

// Recency returns exp(-days/horizon) for the time elapsed since t.
func (m *Model) Recency(t, now time.Time) float64 {
	return math.Exp(-DaysSince(t, now) / m.cfg.RecencyHorizonDays)
}

func (m *Model) usage(executions int) float64 {
	return math.Min(float64(executions)/float64(m.cfg.UsageSaturation), 1.0)
}

// ApplyUsage records one usage of r: execution counts, running time-saved
// average, one confidence step, LastUsed and RefinementCount.
func (m *Model) ApplyUsage(r *record.Record, u Usage, now time.Time) {
	r.Metrics.ExecutionCount++
	if u.Success {
		r.Metrics.SuccessCount++
	}
	if u.TimeSavedMs != nil {
		n := float64(r.Metrics.ExecutionCount)
		r.Metrics.AvgTimeSavedMs += (*u.TimeSavedMs - r.Metrics.AvgTimeSavedMs) / n
	}
	r.Evolution.Confidence = m.NextConfidence(r.Evolution.Confidence, u.Success)
	r.Evolution.LastUsed = now.UTC()
	r.Evolution.RefinementCount++
}

// Adapt folds a batch of recognized observations into an existing record.
// Confidence takes one step toward the batch's success ratio.
func (m *Model) Adapt(r *record.Record, observations, successes int, now time.Time) {
	if observations <= 0 {
		return
	}
	if successes < 0 {
		successes = 0
	}
	if successes > observations {
		successes = observations
	}
	r.Metrics.ExecutionCount += observations
	r.Metrics.SuccessCount += successes
	r.Evolution.Confidence = m.step(r.Evolution.Confidence, float64(successes)/float64(observations))
	r.Evolution.LastUsed = now.UTC()
	r.Evolution.RefinementCount++
}

// Trusted reports whether r has reached the promotion threshold.
func (m *Model) Trusted(r *record.Record) bool {
	return r.Metrics.SuccessCount >= m.cfg.PromotionThreshold
}

// DaysSince returns the fractional days from t to now, or 0 if t is in the future.
func DaysSince(t, now time.Time) float64 {
	d := now.Sub(t)
	if d <= 0 {
		return 0
	}
	return d.Hours() / 24
}

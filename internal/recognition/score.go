package recognition

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
)

// Score components.
const (
	frequencyWeight  = 0.3
	successWeight    = 0.3
	recencyWeight    = 0.2
	complexityWeight = 0.1
	contextWeight    = 0.1

	// neutralContextFit is used when no target context is given.
	neutralContextFit = 0.5
)

// Score is the weighted quality of a candidate sequence and its parts.
type Score struct {
	Total      float64
	Frequency  float64
	Success    float64
	Recency    float64
	Complexity float64
	ContextFit float64
}

// ScoreSequence rates seq against the owner's existing records.
//
// Frequency is normalized by the highest execution count among existing
// records, or by the candidate's own frequency when none has executions.
func ScoreSequence(seq ActionSequence, existing record.Set, target record.Context, cfg Config, now time.Time) Score {
	maxExec := 0
	for _, r := range existing {
		if r != nil && r.Metrics.ExecutionCount > maxExec {
			maxExec = r.Metrics.ExecutionCount
		}
	}
	denom := float64(maxExec)
	if denom == 0 {
		denom = float64(seq.Frequency)
	}

	s := Score{
		Success:    seq.SuccessRatio,
		Recency:    math.Exp(-scoring.DaysSince(seq.LastSeen, now) / cfg.RecencyHorizonDays),
		Complexity: 1 / math.Log(float64(len(seq.Actions))+math.E),
		ContextFit: neutralContextFit,
	}
	if denom > 0 {
		s.Frequency = math.Min(float64(seq.Frequency)/denom, 1)
	}
	if len(target) > 0 {
		s.ContextFit = seq.MergedContext().MatchFraction(target)
	}
	s.Total = frequencyWeight*s.Frequency +
		successWeight*s.Success +
		recencyWeight*s.Recency +
		complexityWeight*s.Complexity +
		contextWeight*s.ContextFit
	return s
}

// ErrValidationRejected is matched by every *Rejection.
var ErrValidationRejected = errors.New("candidate rejected")

// Reason names why a candidate was rejected.
type Reason string

const (
	ReasonLowFrequency   Reason = "low_frequency"
	ReasonLowSuccess     Reason = "low_success"
	ReasonNotSignificant Reason = "not_significant"
	ReasonInvalidRecord  Reason = "invalid_record"
)

// Rejection reports a candidate that failed validation.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return ErrValidationRejected
}

// Significance is the outcome of the goodness-of-fit test.
type Significance struct {
	ExpectedRate float64
	ChiSquare    float64

	// PValue is exp(-ChiSquare/2). This is an approximation, not the chi-square
	// CDF, and is kept for compatibility with existing stored thresholds.
	PValue float64
}

// ExpectedRate is the mean success rate of existing records with executions,
// or baseline when none has executed.
func ExpectedRate(existing record.Set, baseline float64) float64 {
	var sum float64
	n := 0
	for _, r := range existing {
		if r != nil && r.Metrics.ExecutionCount > 0 {
			sum += r.SuccessRate()
			n++
		}
	}
	if n == 0 {
		return baseline
	}
	return sum / float64(n)
}

// Validate accepts or rejects seq. A rejection is returned as a *Rejection.
func Validate(seq ActionSequence, existing record.Set, cfg Config) (Significance, error) {
	if seq.Frequency < cfg.MinFrequency {
		return Significance{}, &Rejection{
			Reason: ReasonLowFrequency,
			Detail: fmt.Sprintf("seen %d times, need %d", seq.Frequency, cfg.MinFrequency),
		}
	}
	if seq.SuccessRatio <= cfg.MinSuccessRatio {
		return Significance{}, &Rejection{
			Reason: ReasonLowSuccess,
			Detail: fmt.Sprintf("success ratio %.2f, need more than %.2f", seq.SuccessRatio, cfg.MinSuccessRatio),
		}
	}

	sig := significance(seq.Successes, seq.Frequency, ExpectedRate(existing, cfg.BaselineSuccessRate))
	if sig.PValue > cfg.SignificanceLevel {
		return sig, &Rejection{
			Reason: ReasonNotSignificant,
			Detail: fmt.Sprintf("p≈%.4f exceeds %.4f (chi²=%.3f, expected rate %.2f)",
				sig.PValue, cfg.SignificanceLevel, sig.ChiSquare, sig.ExpectedRate),
		}
	}
	return sig, nil
}

// significance computes the two-cell chi-square statistic of observed
// successes and failures against rate.
func significance(successes, n int, rate float64) Significance {
	sig := Significance{ExpectedRate: rate}
	if n <= 0 {
		sig.PValue = 1
		return sig
	}
	total := float64(n)
	observed := [2]float64{float64(successes), total - float64(successes)}
	expected := [2]float64{total * rate, total * (1 - rate)}

	for i := range observed {
		switch {
		case expected[i] > 0:
			d := observed[i] - expected[i]
			sig.ChiSquare += d * d / expected[i]
		case observed[i] > 0:
			// An outcome the expected rate deems impossible.
			sig.ChiSquare = math.Inf(1)
		}
	}
	sig.PValue = math.Exp(-sig.ChiSquare / 2)
	return sig
}

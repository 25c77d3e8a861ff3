package pruning

import (
	"fmt"
	"strings"
)

// Config is the eviction policy.
type Config struct {
	// MaxAgeDays, DecisionMaxAgeDays and SolutionMaxAgeDays bound how long a
	// pattern, decision or solution may go unused.
	MaxAgeDays         int
	DecisionMaxAgeDays int
	SolutionMaxAgeDays int

	// FailedPatternMaxAgeDays is how long a pattern that keeps failing survives.
	FailedPatternMaxAgeDays int

	// MinUsageRate keeps stale records used at least this often per day of age.
	MinUsageRate float64

	// PreserveHighValue keeps stale records whose confidence exceeds HighValueThreshold.
	PreserveHighValue  bool
	HighValueThreshold float64

	MinSuccessRate    float64
	MinConfidence     float64
	MinExecutionCount int

	// MaxCount is the record count the space strategy enforces.
	MaxCount int

	// DeactivateFirst marks active records inactive instead of removing them.
	// Records already inactive are removed, and so are records selected by
	// the space strategy, since inactive records still count toward MaxCount.
	DeactivateFirst bool
}

// DefaultConfig returns the standard policy.
func DefaultConfig() Config {
	return Config{
		MaxAgeDays:              90,
		DecisionMaxAgeDays:      180,
		SolutionMaxAgeDays:      365,
		FailedPatternMaxAgeDays: 30,
		MinUsageRate:            0.1,
		PreserveHighValue:       true,
		HighValueThreshold:      0.85,
		MinSuccessRate:          0.2,
		MinConfidence:           0.15,
		MinExecutionCount:       3,
		MaxCount:                1000,
	}
}

// Aggressive tightens c: 60 days for patterns, 120 for decisions and a 0.30
// success floor.
func (c Config) Aggressive() Config {
	c.MaxAgeDays = 60
	c.DecisionMaxAgeDays = 120
	c.MinSuccessRate = 0.30
	return c
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.MaxAgeDays < 1 || c.DecisionMaxAgeDays < 1 || c.SolutionMaxAgeDays < 1 || c.FailedPatternMaxAgeDays < 1 {
		return fmt.Errorf("age limits must be positive")
	}
	if c.MaxCount < 1 {
		return fmt.Errorf("max count must be positive, got %d", c.MaxCount)
	}
	if c.MinExecutionCount < 0 {
		return fmt.Errorf("min execution count cannot be negative, got %d", c.MinExecutionCount)
	}
	return nil
}

// Strategy selects which rules a pass applies.
type Strategy string

const (
	StrategyTime        Strategy = "time"
	StrategyPerformance Strategy = "performance"
	StrategySpace       Strategy = "space"
)

// AllStrategies returns every strategy in application order.
func AllStrategies() []Strategy {
	return []Strategy{StrategyTime, StrategyPerformance, StrategySpace}
}

// ParseStrategies parses a comma separated list. "all" selects every strategy.
func ParseStrategies(s string) ([]Strategy, error) {
	var out []Strategy
	for _, part := range strings.Split(s, ",") {
		switch Strategy(strings.TrimSpace(part)) {
		case "all":
			return AllStrategies(), nil
		case StrategyTime:
			out = append(out, StrategyTime)
		case StrategyPerformance:
			out = append(out, StrategyPerformance)
		case StrategySpace:
			out = append(out, StrategySpace)
		default:
			return nil, fmt.Errorf("unknown pruning strategy %q", part)
		}
	}
	return out, nil
}

// Reason says why a record was selected.
type Reason string

const (
	ReasonUnusedTooLong       Reason = "unused_too_long"
	ReasonLowSuccessRate      Reason = "low_success_rate"
	ReasonLowConfidence       Reason = "low_confidence"
	ReasonNegativeOutcome     Reason = "negative_outcome"
	ReasonOutdatedSolution    Reason = "outdated_solution"
	ReasonMemoryLimitExceeded Reason = "memory_limit_exceeded"
	ReasonFailedValidation    Reason = "failed_validation"
	ReasonDuplicate           Reason = "duplicate"
)

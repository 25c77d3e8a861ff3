package recognition

import (
	"fmt"
	"time"
)

// Config holds the mining and validation thresholds.
type Config struct {
	// MinSequenceLength and MaxSequenceLength bound the window sizes.
	MinSequenceLength int
	MaxSequenceLength int

	// TemporalWindow is the longest span a window may cover, first start to last end.
	TemporalWindow time.Duration

	// MinFrequency is the occurrence count a signature needs to survive grouping.
	MinFrequency int

	// MinSuccessRatio rejects candidates whose success ratio is at or below it.
	MinSuccessRatio float64

	// SignificanceLevel rejects candidates whose approximate p-value exceeds it.
	SignificanceLevel float64

	// BaselineSuccessRate is the expected rate when no existing record has executions.
	BaselineSuccessRate float64

	MinMatchSimilarity       float64
	ExactMatchThreshold      float64
	StructuralMatchThreshold float64

	RecencyHorizonDays float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinSequenceLength:        2,
		MaxSequenceLength:        5,
		TemporalWindow:           5 * time.Minute,
		MinFrequency:             3,
		MinSuccessRatio:          0.5,
		SignificanceLevel:        0.05,
		BaselineSuccessRate:      0.5,
		MinMatchSimilarity:       0.6,
		ExactMatchThreshold:      0.95,
		StructuralMatchThreshold: 0.7,
		RecencyHorizonDays:       30,
	}
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	if c.MinSequenceLength < 1 || c.MaxSequenceLength < c.MinSequenceLength {
		return fmt.Errorf("sequence lengths must satisfy 1 <= min <= max, got %d..%d",
			c.MinSequenceLength, c.MaxSequenceLength)
	}
	if c.TemporalWindow <= 0 {
		return fmt.Errorf("temporal window must be positive, got %v", c.TemporalWindow)
	}
	if c.MinFrequency < 1 {
		return fmt.Errorf("min frequency must be positive, got %d", c.MinFrequency)
	}
	if c.SignificanceLevel <= 0 || c.SignificanceLevel >= 1 {
		return fmt.Errorf("significance level must be in (0,1), got %v", c.SignificanceLevel)
	}
	if c.BaselineSuccessRate < 0 || c.BaselineSuccessRate > 1 {
		return fmt.Errorf("baseline success rate must be in [0,1], got %v", c.BaselineSuccessRate)
	}
	if c.RecencyHorizonDays <= 0 {
		return fmt.Errorf("recency horizon must be positive, got %v", c.RecencyHorizonDays)
	}
	return nil
}

package logging

import (
	"go.uber.org/zap/zapcore"
)

// newSampledCore wraps core with per-level sampling. Each configured level
// below Error gets its own sampler; Error and above always pass through, as
// do levels without a sampling entry.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	cores := []zapcore.Core{
		&levelRangeCore{Core: core, min: zapcore.ErrorLevel, max: zapcore.FatalLevel},
	}
	sampled := make(map[zapcore.Level]bool, len(cfg.Levels))
	for level, rate := range cfg.Levels {
		if level >= zapcore.ErrorLevel {
			continue
		}
		sampled[level] = true
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelRangeCore{Core: core, min: level, max: level},
			cfg.Tick.Duration(),
			rate.Initial,
			rate.Thereafter,
		))
	}
	for level := TraceLevel; level < zapcore.ErrorLevel; level++ {
		if !sampled[level] {
			cores = append(cores, &levelRangeCore{Core: core, min: level, max: level})
		}
	}
	return zapcore.NewTee(cores...)
}

// levelRangeCore passes only entries with min <= level <= max.
type levelRangeCore struct {
	zapcore.Core
	min zapcore.Level
	max zapcore.Level
}

func (c *levelRangeCore) Enabled(lvl zapcore.Level) bool {
	return lvl >= c.min && lvl <= c.max && c.Core.Enabled(lvl)
}

func (c *levelRangeCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

// With creates a child core that keeps the level range.
func (c *levelRangeCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelRangeCore{Core: c.Core.With(fields), min: c.min, max: c.max}
}

package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}
	ctx := WithOwner(context.Background(), "build-agent")

	tests := []struct {
		name    string
		logFunc func()
		level   zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg", zap.String("key", "val")) }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg", zap.String("key", "val")) }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg", zap.String("key", "val")) }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg", zap.String("key", "val")) }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg", zap.String("key", "val")) }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.logFunc()

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			fields := logs[0].ContextMap()
			assert.Equal(t, "val", fields["key"])
			assert.Equal(t, "build-agent", fields["owner"])
		})
	}
}

func TestLogger_TraceSkippedWhenDisabled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := &Logger{zap: zap.New(core), config: NewDefaultConfig()}

	logger.Trace(context.Background(), "noisy")
	assert.Zero(t, observed.Len())
}

func TestLogger_ChildLoggers(t *testing.T) {
	tl := NewTestLogger()

	child := tl.With(zap.String("component", "pruning")).Named("scheduler")
	child.Info(context.Background(), "tick")

	logs := tl.All()
	require.Len(t, logs, 1)
	assert.Equal(t, "scheduler", logs[0].LoggerName)
	assert.Equal(t, "pruning", logs[0].ContextMap()["component"])
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Info(context.Background(), "discarded")
	assert.NoError(t, l.Sync())
}

func TestEncodeLevel(t *testing.T) {
	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, enc.AddArray("levels", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		encodeLevel(TraceLevel, arr)
		encodeLevel(zapcore.WarnLevel, arr)
		return nil
	})))
	assert.Equal(t, []interface{}{"trace", "warn"}, enc.Fields["levels"])
}

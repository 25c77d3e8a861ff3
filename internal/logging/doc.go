// Package logging provides structured logging for aml.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, span_id, owner, request.id)
//   - Per-level sampling (errors never sampled)
//   - An observer-backed TestLogger for assertions
//
// Core packages (store, recognition, pruning) take a plain *zap.Logger; hand
// them Logger.Underlying().
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithOwner(ctx, "build-agent")
//	logger.Info(ctx, "pruned records", zap.Int("removed", n))
//
// Output includes the correlation fields:
//
//	{
//	  "ts": "2026-03-01T10:15:30Z",
//	  "level": "info",
//	  "msg": "pruned records",
//	  "owner": "build-agent",
//	  "removed": 12
//	}
//
// # Sampling
//
//   - Trace: first 1 per second, drop rest
//   - Debug: first 10 per second, drop rest
//   - Info: first 100, then 1 every 10
//   - Warn: first 100, then 1 every 100
//   - Error+: never sampled
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
package logging

// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// The package wraps Zap with:
//   - a custom Trace level (-2, below Debug)
//   - stdout, per-run file and OpenTelemetry outputs
//   - context field injection (trace_id, run_id, provider, model, iteration)
//   - secret redaction at the encoder
//   - level-aware sampling (errors never sampled)
//
// # Usage
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
//	ctx = logging.WithRun(ctx, logging.Run{ID: runID, Provider: "anthropic", Model: "claude"})
//	ctx = logging.WithIteration(ctx, 3)
//	logger.Info(ctx, "iteration complete", zap.String("verdict", "improved"))
//
// Output includes the run correlation fields:
//
//	{
//	  "ts": "2026-10-17T10:15:30Z",
//	  "level": "info",
//	  "msg": "iteration complete",
//	  "run_id": "2026-10-17_10-15-02_4f1c9a2b",
//	  "provider": "anthropic",
//	  "model": "claude",
//	  "iteration": 3,
//	  "verdict": "improved"
//	}
//
// # Run logs
//
// Logger.WithFile tees every entry into a JSON file so each run keeps its
// own log next to its state. Close the returned closer when the run ends.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//	tl.AssertField(t, "test message", "key", "value")
//	tl.AssertNoSecrets(t)
package logging

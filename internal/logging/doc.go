// Package logging provides context-aware structured logging for swarmd agents.
//
// Loggers wrap zap and add correlation fields pulled from the context: the
// agent's lease holder id, the task being worked, the pipeline phase and the
// OpenTelemetry trace. Output goes to stderr (JSON or console) and optionally
// to an OpenTelemetry log provider.
//
// # Usage
//
//	logger, err := logging.NewLogger(cfg, nil)
//	ctx = logging.WithHolder(ctx, holder)
//	ctx = logging.WithTaskID(ctx, task.ID)
//	logger.Info(ctx, "task claimed", zap.Int("attempt", task.AttemptCount))
//
// # Redaction
//
// Fields named token, password, secret, authorization or credential are
// masked, and credentials embedded in remote URLs are stripped from messages,
// string fields and errors.
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	// ... exercise code with tl.Logger ...
//	tl.AssertLogged(t, zapcore.WarnLevel, "release abandoned")
package logging

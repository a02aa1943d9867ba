package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// Observe runs op under timing/logging instrumentation and returns op's result
// unchanged on every exit path: the value is passed through on success and the
// error is returned after being logged on failure. Callers rely on the success
// value surviving the wrapper; instrument_test.go pins that behavior.
func Observe[T any](ctx context.Context, stage string, op func(ctx context.Context) (T, error)) (T, error) {
	logger := LoggerWithCorr(ctx).With(slog.String("stage", stage))
	start := time.Now()
	out, err := op(ctx)
	dur := time.Since(start)
	ObserveStage(stage, dur.Seconds())
	if err != nil {
		logger.Warn("stage failed", slog.Duration("duration", dur), slog.Any("err", err))
		return out, err
	}
	logger.Debug("stage complete", slog.Duration("duration", dur))
	return out, nil
}

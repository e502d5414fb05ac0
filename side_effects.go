package auth

import (
	"context"
	"fmt"
	"time"
)

// SideEffectRunner executes best-effort work such as notifications and
// audit writes. Failures are logged and counted, never returned.
type SideEffectRunner interface {
	Run(ctx context.Context, kind string, fn func(ctx context.Context) error)
}

// DefaultSideEffectTimeout bounds each asynchronous side effect
const DefaultSideEffectTimeout = 5 * time.Second

type asyncRunner struct {
	timeout time.Duration
	logger  Logger
	metrics MetricsRecorder
}

// NewAsyncRunner runs each side effect in its own goroutine, detached
// from the request's cancellation but bounded by timeout.
func NewAsyncRunner(timeout time.Duration, logger Logger, metrics MetricsRecorder) SideEffectRunner {
	if timeout <= 0 {
		timeout = DefaultSideEffectTimeout
	}
	if logger == nil {
		logger = defLogger{}
	}
	return &asyncRunner{
		timeout: timeout,
		logger:  logger,
		metrics: normalizeMetrics(metrics),
	}
}

func (r *asyncRunner) Run(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(detached, r.timeout)
		defer cancel()
		runGuarded(ctx, kind, fn, r.logger, r.metrics)
	}()
}

type syncRunner struct {
	logger  Logger
	metrics MetricsRecorder
}

// NewSyncRunner runs side effects inline. Errors are still swallowed.
func NewSyncRunner(logger Logger, metrics MetricsRecorder) SideEffectRunner {
	if logger == nil {
		logger = defLogger{}
	}
	return &syncRunner{
		logger:  logger,
		metrics: normalizeMetrics(metrics),
	}
}

func (r *syncRunner) Run(ctx context.Context, kind string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	runGuarded(ctx, kind, fn, r.logger, r.metrics)
}

func runGuarded(ctx context.Context, kind string, fn func(ctx context.Context) error, logger Logger, metrics MetricsRecorder) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.SideEffectFailed(kind)
			logger.Error("side effect panicked", "kind", kind, "panic", fmt.Sprint(rec))
		}
	}()

	if err := fn(ctx); err != nil {
		metrics.SideEffectFailed(kind)
		logger.Warn("side effect failed", "kind", kind, "error", err)
	}
}

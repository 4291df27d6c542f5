package election

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// AwaitClusterActive checks this instance in at the barrier and waits
// until target instances have checked in or timeout elapses. Reaching
// the timeout is not an error.
//
// The returned count is the number of instances that had checked in
// right after this instance's own count down. It may be stale by the
// time the caller looks at it.
func AwaitClusterActive(ctx context.Context, barrier Barrier, target int, timeout time.Duration, logger *zap.Logger) (int, error) {
	ctx, span := tracer.Start(ctx, "election.AwaitClusterActive")
	defer span.End()
	span.SetAttributes(attribute.Int("barrier.target", target))

	if logger == nil {
		logger = zap.NewNop()
	}

	if _, err := barrier.TrySetCount(ctx, target); err != nil {
		return 0, fmt.Errorf("failed to set barrier count: %w", interrupted(ctx, err))
	}

	if err := barrier.CountDown(ctx); err != nil {
		return 0, fmt.Errorf("failed to count down barrier: %w", interrupted(ctx, err))
	}

	remaining, err := barrier.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read barrier count: %w", interrupted(ctx, err))
	}
	observed := target - remaining
	logger.Debug("Cluster instances active so far", zap.Int("active", observed), zap.Int("target", target))

	reached, err := barrier.Await(ctx, timeout)
	if err != nil {
		return observed, fmt.Errorf("failed to await barrier: %w", interrupted(ctx, err))
	}
	span.SetAttributes(attribute.Bool("barrier.reached", reached))
	if !reached {
		logger.Warn("Cluster did not become active in time, proceeding", zap.Duration("timeout", timeout))
	}

	return observed, nil
}

package election

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("startonce/election")

// Activator performs the double-checked lock election for one instance.
type Activator struct {
	Lock Lock
	Flag Flag

	// LockWait bounds how long to wait for the lock, LockLease bounds
	// how long the lock is held before the substrate frees it.
	LockWait  time.Duration
	LockLease time.Duration

	Mode   Mode
	Logger *zap.Logger
}

// ActivateOnce runs onActivate if, and only if, no instance has run it
// yet. The flag is read before taking the lock and read again while
// holding it; collapsing the two reads reintroduces the race between an
// instance that read "unset" early and the one that held the lock.
//
// Once the critical section is entered the lock is released on every
// path, held or not, with one exception: if the activation ran but the
// flag could not be set, the lock is kept until its lease expires so
// no other instance repeats the activation in the meantime. Releasing a
// lock this instance does not hold is logged and swallowed.
func (a *Activator) ActivateOnce(ctx context.Context, onActivate func(context.Context) error) (outcome Outcome, err error) {
	ctx, span := tracer.Start(ctx, "election.ActivateOnce")
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := a.logger()

	started, err := a.Flag.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read activation flag: %w", interrupted(ctx, err))
	}
	if started {
		logger.Debug("Already started, skipping lock")
		return OutcomeSkipped, nil
	}

	acquired, err := a.Lock.TryAcquire(ctx, a.LockWait, a.LockLease)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("failed to acquire start lock: %w", interrupted(ctx, err))
		}
		logger.Warn("Lock acquire failed", zap.Error(err))
		acquired = false
	}
	span.SetAttributes(attribute.Bool("lock.acquired", acquired))

	if !acquired {
		if a.Mode == ModeStrict {
			logger.Warn("Start lock not acquired, skipping activation", zap.Duration("wait", a.LockWait))
			return OutcomeLockTimeout, fmt.Errorf("waited %s: %w", a.LockWait, ErrLockNotAcquired)
		}
		logger.Warn("Start lock not acquired, proceeding without it", zap.Duration("wait", a.LockWait))
	}

	keepLock := false
	defer func() {
		if !keepLock {
			a.release(logger)
		}
	}()

	started, err = a.Flag.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to re-read activation flag: %w", interrupted(ctx, err))
	}
	if started {
		logger.Debug("Started by another instance while waiting for lock")
		return OutcomeSkipped, nil
	}

	if err := onActivate(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("activation failed: %w", err)
	}

	if err := a.Flag.Set(ctx, true); err != nil {
		keepLock = acquired
		logger.Error("Activation ran but the flag was not set, keeping the lock until its lease expires",
			zap.Duration("lease", a.LockLease), zap.Error(err))
		return OutcomeActivated, fmt.Errorf("failed to set activation flag: %w", interrupted(ctx, err))
	}

	return OutcomeActivated, nil
}

// release runs with a fresh context so a cancelled run still frees the
// lock for the other instances.
func (a *Activator) release(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.Lock.Release(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotHeld):
		logger.Warn("Critical section guarantee can be broken", zap.Error(err))
	default:
		logger.Error("Failed to release start lock", zap.Error(err))
	}
}

func (a *Activator) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Package election runs a once-only activation among a group of
// instances that share a coordination substrate.
//
// The substrate provides three named primitives: a Lock with lease
// expiry, a boolean Flag and a countdown Barrier. Every instance
// optionally waits on the barrier (AwaitClusterActive) and then runs a
// double-checked lock election (Activator.ActivateOnce). The instance
// that finds the flag unset while holding the lock runs the activation
// callback and sets the flag. Everyone else sees the flag and skips.
package election

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotHeld is returned by Lock.Release when the caller does not
	// hold the lock (it was never acquired, or its lease expired).
	ErrNotHeld = errors.New("lock not held by caller")

	// ErrLockNotAcquired is returned by ActivateOnce in ModeStrict when
	// the lock could not be acquired within the wait time.
	ErrLockNotAcquired = errors.New("lock not acquired")

	// ErrInterrupted wraps context cancellation during a blocking wait.
	ErrInterrupted = errors.New("interrupted")
)

// Lock is a cluster-wide mutual exclusion lock. Each Lock value has its
// own owner identity, so two handles for the same name obtained by
// different instances exclude each other.
type Lock interface {
	// TryAcquire waits up to wait for the lock. Once acquired, the lock
	// is released automatically by the substrate after lease.
	TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error)

	// Release gives up the lock. It returns ErrNotHeld if the handle
	// does not currently hold it.
	Release(ctx context.Context) error
}

// Flag is a cluster-wide boolean, unset by default.
type Flag interface {
	Get(ctx context.Context) (bool, error)
	Set(ctx context.Context, v bool) error
}

// Barrier is a cluster-wide countdown latch.
type Barrier interface {
	// TrySetCount sets the initial count. Only the first call for a
	// barrier name has an effect; later calls return false.
	TrySetCount(ctx context.Context, n int) (bool, error)

	// CountDown decrements the count, never below zero.
	CountDown(ctx context.Context) error

	// Count returns the remaining count.
	Count(ctx context.Context) (int, error)

	// Await blocks until the count reaches zero or timeout elapses.
	// It reports whether zero was reached.
	Await(ctx context.Context, timeout time.Duration) (bool, error)
}

// Substrate is a connection to a coordination backend from one
// instance.
type Substrate interface {
	Lock(name string) Lock
	Flag(name string) Flag
	Barrier(name string) Barrier

	// Members returns the number of instances currently joined to the
	// substrate. It is informational only.
	Members(ctx context.Context) (int, error)

	// Reset deletes every lock, flag and barrier of the cluster so the
	// next group of instances starts from scratch. Membership records
	// are kept.
	Reset(ctx context.Context) error

	Close() error
}

// Mode decides what ActivateOnce does when the lock cannot be acquired.
type Mode string

const (
	// ModeBestEffort enters the critical section without the lock,
	// favouring liveness over strict exclusivity.
	ModeBestEffort Mode = "best-effort"

	// ModeStrict skips the critical section if the lock was not
	// acquired.
	ModeStrict Mode = "strict"
)

// ParseMode parses a -lock-mode value. The empty string means
// ModeBestEffort.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBestEffort, ModeStrict:
		return Mode(s), nil
	case "":
		return ModeBestEffort, nil
	}
	return "", fmt.Errorf("unknown lock mode %q (want %q or %q)", s, ModeBestEffort, ModeStrict)
}

// Outcome is the result of one ActivateOnce call on one instance.
type Outcome string

const (
	// OutcomeActivated means this instance ran the activation.
	OutcomeActivated Outcome = "activated"

	// OutcomeSkipped means the flag was already set, either before
	// (fast path) or after taking the lock.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeLockTimeout means the lock was not acquired in strict mode
	// and the critical section was not entered.
	OutcomeLockTimeout Outcome = "lock_timeout"

	// OutcomeFailed means the activation callback returned an error.
	OutcomeFailed Outcome = "failed"
)

// interrupted converts a context error into ErrInterrupted. Other errors
// are returned unchanged.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	return err
}

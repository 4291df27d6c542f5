// Package electiontest checks that an election.Substrate implementation
// behaves the way the election package relies on.
package electiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"startonce/election"
)

// Cluster joins a new instance to one cluster. Every call returns a new
// connection that shares the cluster's locks, flags and barriers.
type Cluster func(nodeName string) election.Substrate

// NewCluster returns a Cluster that shares nothing with any cluster
// returned before. Failures should be reported through t.
type NewCluster func(t *testing.T) Cluster

// closeOnce lets a test close an instance early while the cleanup still
// closes every instance exactly once.
type closeOnce struct {
	election.Substrate
	once sync.Once
	err  error
}

func (s *closeOnce) Close() error {
	s.once.Do(func() { s.err = s.Substrate.Close() })
	return s.err
}

func join(t *testing.T, cluster Cluster, nodeName string) election.Substrate {
	t.Helper()
	s := &closeOnce{Substrate: cluster(nodeName)}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("close %s: %v", nodeName, err)
		}
	})
	return s
}

type countingLock struct {
	election.Lock
	acquires atomic.Int32
}

func (l *countingLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	l.acquires.Add(1)
	return l.Lock.TryAcquire(ctx, wait, lease)
}

func newActivator(t *testing.T, s election.Substrate) *election.Activator {
	return &election.Activator{
		Lock:      s.Lock("startLock"),
		Flag:      s.Flag("isStarted"),
		LockWait:  20 * time.Second,
		LockLease: 30 * time.Second,
		Mode:      election.ModeBestEffort,
		Logger:    zaptest.NewLogger(t),
	}
}

// RunSubstrateTests runs the substrate checks as subtests of t.
func RunSubstrateTests(t *testing.T, newCluster NewCluster) {
	t.Run("ExactlyOneActivation", func(t *testing.T) { testExactlyOneActivation(t, newCluster(t)) })
	t.Run("FastPathSkipsLock", func(t *testing.T) { testFastPathSkipsLock(t, newCluster(t)) })
	t.Run("ReleaseNotHeld", func(t *testing.T) { testReleaseNotHeld(t, newCluster(t)) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, newCluster(t)) })
	t.Run("BarrierIdempotentInit", func(t *testing.T) { testBarrierIdempotentInit(t, newCluster(t)) })
	t.Run("BarrierCountDownStopsAtZero", func(t *testing.T) { testBarrierCountDownStopsAtZero(t, newCluster(t)) })
	t.Run("BarrierAwait", func(t *testing.T) { testBarrierAwait(t, newCluster(t)) })
	t.Run("Members", func(t *testing.T) { testMembers(t, newCluster(t)) })
	t.Run("Reset", func(t *testing.T) { testReset(t, newCluster(t)) })
}

func testExactlyOneActivation(t *testing.T, cluster Cluster) {
	const n = 5

	activators := make([]*election.Activator, n)
	for i := range activators {
		activators[i] = newActivator(t, join(t, cluster, fmt.Sprintf("node-%d", i)))
	}

	var activations atomic.Int32
	outcomes := make([]election.Outcome, n)
	var g errgroup.Group
	for i, a := range activators {
		g.Go(func() error {
			outcome, err := a.ActivateOnce(context.Background(), func(context.Context) error {
				activations.Add(1)
				return nil
			})
			outcomes[i] = outcome
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), activations.Load())
	activated := 0
	for _, o := range outcomes {
		if o == election.OutcomeActivated {
			activated++
		} else {
			assert.Equal(t, election.OutcomeSkipped, o)
		}
	}
	assert.Equal(t, 1, activated)
}

func testFastPathSkipsLock(t *testing.T, cluster Cluster) {
	s := join(t, cluster, "nodeA")
	require.NoError(t, s.Flag("isStarted").Set(context.Background(), true))

	lock := &countingLock{Lock: s.Lock("startLock")}
	a := newActivator(t, s)
	a.Lock = lock

	called := false
	outcome, err := a.ActivateOnce(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, election.OutcomeSkipped, outcome)
	assert.False(t, called)
	assert.Zero(t, lock.acquires.Load())
}

func testReleaseNotHeld(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	a := join(t, cluster, "nodeA").Lock("l")
	b := join(t, cluster, "nodeB").Lock("l")

	assert.ErrorIs(t, a.Release(ctx), election.ErrNotHeld)

	ok, err := b.TryAcquire(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, a.Release(ctx), election.ErrNotHeld)

	ok, err = a.TryAcquire(ctx, 0, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a release by a non-holder must not free the lock")

	require.NoError(t, b.Release(ctx))
	ok, err = a.TryAcquire(ctx, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, a.Release(ctx))
}

func testLeaseExpiry(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	a := join(t, cluster, "nodeA").Lock("l")
	b := join(t, cluster, "nodeB").Lock("l")

	ok, err := a.TryAcquire(ctx, 0, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, 10*time.Second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expected lock to be acquirable after the lease expired")

	err = a.Release(ctx)
	assert.True(t, errors.Is(err, election.ErrNotHeld), "expected ErrNotHeld, got %v", err)
	require.NoError(t, b.Release(ctx))
}

func testBarrierIdempotentInit(t *testing.T, cluster Cluster) {
	const n = 5

	barriers := make([]election.Barrier, n)
	for i := range barriers {
		barriers[i] = join(t, cluster, fmt.Sprintf("node-%d", i)).Barrier("b")
	}

	var wins atomic.Int32
	var g errgroup.Group
	for i, b := range barriers {
		g.Go(func() error {
			ok, err := b.TrySetCount(context.Background(), 3+i%2)
			if ok {
				wins.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), wins.Load())
	count, err := barriers[0].Count(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []int{3, 4}, count)
}

func testBarrierCountDownStopsAtZero(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	b := join(t, cluster, "nodeA").Barrier("b")

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "expected an unset barrier to count zero")

	ok, err := b.TrySetCount(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.CountDown(ctx))
	require.NoError(t, b.CountDown(ctx))

	count, err = b.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	ok, err = b.TrySetCount(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok, "expected barrier not to be re-armed")
}

func testBarrierAwait(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	a := join(t, cluster, "nodeA").Barrier("b")
	b := join(t, cluster, "nodeB").Barrier("b")

	ok, err := a.TrySetCount(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.CountDown(ctx))

	reached, err := a.Await(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, reached, "expected timeout with one arrival missing")

	done := make(chan bool, 1)
	go func() {
		reached, err := a.Await(ctx, 10*time.Second)
		assert.NoError(t, err)
		done <- reached
	}()
	require.NoError(t, b.CountDown(ctx))

	select {
	case reached := <-done:
		assert.True(t, reached)
	case <-time.After(15 * time.Second):
		t.Fatal("barrier did not open")
	}
}

func testMembers(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	a := join(t, cluster, "nodeA")
	b := join(t, cluster, "nodeB")

	n, err := a.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, b.Close())
	n, err = a.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testReset(t *testing.T, cluster Cluster) {
	ctx := context.Background()
	s := join(t, cluster, "nodeA")

	outcome, err := newActivator(t, s).ActivateOnce(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, election.OutcomeActivated, outcome)
	ok, err := s.Barrier("b").TrySetCount(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Lock("held").TryAcquire(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Reset(ctx))

	next := join(t, cluster, "nodeB")
	outcome, err = newActivator(t, next).ActivateOnce(ctx, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, election.OutcomeActivated, outcome, "expected a fresh activation after reset")

	ok, err = next.Barrier("b").TrySetCount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = next.Lock("held").TryAcquire(ctx, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := next.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expected reset to keep membership")
}

package election

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCluster is an in-process substrate shared by instances running
// in the same process (goroutines standing in for processes). All
// primitives are linearizable because every operation runs under one
// mutex.
type MemoryCluster struct {
	mu sync.Mutex

	// changed is closed and replaced whenever a lock is released or a
	// barrier count changes, waking up everyone blocked in waitFor.
	changed chan struct{}

	locks    map[string]*memoryLockState
	flags    map[string]bool
	barriers map[string]int
	members  map[string]struct{}

	// now is the clock leases are measured against.
	now func() time.Time
}

type memoryLockState struct {
	owner   string
	expires time.Time
}

func NewMemoryCluster() *MemoryCluster {
	return &MemoryCluster{
		changed:  make(chan struct{}),
		locks:    make(map[string]*memoryLockState),
		flags:    make(map[string]bool),
		barriers: make(map[string]int),
		members:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// Join connects a new instance to the cluster. The returned substrate
// leaves the cluster when closed.
func (c *MemoryCluster) Join(nodeName string) Substrate {
	id := nodeName + "/" + uuid.NewString()

	c.mu.Lock()
	c.members[id] = struct{}{}
	c.mu.Unlock()

	return &memorySubstrate{cluster: c, memberID: id, nodeName: nodeName}
}

// Members returns the number of joined instances.
func (c *MemoryCluster) Members() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.members)
}

// broadcast must be called with mu held.
func (c *MemoryCluster) broadcast() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// waitFor evaluates cond under the cluster mutex until it returns true,
// wait has passed or ctx is done. cond gets the cluster clock and may
// ask to be re-evaluated after a delay even without a broadcast (lease
// expiry). The wait itself is measured in real time.
func (c *MemoryCluster) waitFor(ctx context.Context, wait time.Duration, cond func(now time.Time) (bool, time.Duration)) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		c.mu.Lock()
		done, recheckIn := cond(c.now())
		changed := c.changed
		c.mu.Unlock()

		if done {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		sleep := remaining
		if recheckIn > 0 && recheckIn < sleep {
			sleep = recheckIn
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

type memorySubstrate struct {
	cluster  *MemoryCluster
	memberID string
	nodeName string

	closeOnce sync.Once
}

func (s *memorySubstrate) Lock(name string) Lock {
	return &memoryLock{
		cluster: s.cluster,
		name:    name,
		owner:   s.nodeName + "/" + uuid.NewString(),
	}
}

func (s *memorySubstrate) Flag(name string) Flag {
	return &memoryFlag{cluster: s.cluster, name: name}
}

func (s *memorySubstrate) Barrier(name string) Barrier {
	return &memoryBarrier{cluster: s.cluster, name: name}
}

func (s *memorySubstrate) Members(ctx context.Context) (int, error) {
	return s.cluster.Members(), nil
}

func (s *memorySubstrate) Reset(ctx context.Context) error {
	c := s.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.locks)
	clear(c.flags)
	clear(c.barriers)
	c.broadcast()
	return nil
}

func (s *memorySubstrate) Close() error {
	s.closeOnce.Do(func() {
		s.cluster.mu.Lock()
		delete(s.cluster.members, s.memberID)
		s.cluster.mu.Unlock()
	})
	return nil
}

type memoryLock struct {
	cluster *MemoryCluster
	name    string
	owner   string
}

func (l *memoryLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	if lease <= 0 {
		return false, fmt.Errorf("lease must be greater than zero")
	}
	c := l.cluster
	return c.waitFor(ctx, wait, func(now time.Time) (bool, time.Duration) {
		st := c.locks[l.name]
		if st == nil || !now.Before(st.expires) || st.owner == l.owner {
			c.locks[l.name] = &memoryLockState{owner: l.owner, expires: now.Add(lease)}
			return true, 0
		}
		return false, st.expires.Sub(now)
	})
}

func (l *memoryLock) Release(ctx context.Context) error {
	c := l.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.locks[l.name]
	if st == nil || st.owner != l.owner {
		return ErrNotHeld
	}
	delete(c.locks, l.name)
	c.broadcast()
	if !c.now().Before(st.expires) {
		return fmt.Errorf("lease expired at %s: %w", st.expires.Format(time.RFC3339Nano), ErrNotHeld)
	}
	return nil
}

type memoryFlag struct {
	cluster *MemoryCluster
	name    string
}

func (f *memoryFlag) Get(ctx context.Context) (bool, error) {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	return f.cluster.flags[f.name], nil
}

func (f *memoryFlag) Set(ctx context.Context, v bool) error {
	f.cluster.mu.Lock()
	defer f.cluster.mu.Unlock()
	f.cluster.flags[f.name] = v
	return nil
}

type memoryBarrier struct {
	cluster *MemoryCluster
	name    string
}

func (b *memoryBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	c := b.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.barriers[b.name]; ok {
		return false, nil
	}
	c.barriers[b.name] = n
	c.broadcast()
	return true, nil
}

func (b *memoryBarrier) CountDown(ctx context.Context) error {
	c := b.cluster
	c.mu.Lock()
	defer c.mu.Unlock()

	if count, ok := c.barriers[b.name]; ok && count > 0 {
		c.barriers[b.name] = count - 1
		c.broadcast()
	}
	return nil
}

func (b *memoryBarrier) Count(ctx context.Context) (int, error) {
	b.cluster.mu.Lock()
	defer b.cluster.mu.Unlock()
	return b.cluster.barriers[b.name], nil
}

func (b *memoryBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	c := b.cluster
	return c.waitFor(ctx, timeout, func(time.Time) (bool, time.Duration) {
		return c.barriers[b.name] == 0, 0
	})
}

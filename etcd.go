package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"startonce/election"
)

// EtcdBackend implements election.Substrate on etcd. Locks are keys
// bound to an etcd lease that is never kept alive, so the lease TTL is
// the lock lease. Membership uses a session lease that is kept alive
// for as long as the backend is open.
type EtcdBackend struct {
	client      *clientv3.Client
	session     *concurrency.Session
	clusterName string

	// nodeName is the name of this instance (usually the hostname).
	nodeName  string
	memberKey string
	logger    *zap.Logger
}

func NewEtcdBackend(ctx context.Context, client *clientv3.Client, clusterName string, nodeName string, memberTTL time.Duration, logger *zap.Logger) (*EtcdBackend, error) {
	session, err := concurrency.NewSession(client, concurrency.WithTTL(int(leaseSeconds(memberTTL))))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	etcd := &EtcdBackend{
		client:      client,
		session:     session,
		clusterName: clusterName,
		nodeName:    nodeName,
		logger:      logger,
	}
	etcd.memberKey = etcd.membersPrefix() + "/" + nodeName + "/" + uuid.NewString()

	if _, err := client.Put(ctx, etcd.memberKey, nodeName, clientv3.WithLease(session.Lease())); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to register member in etcd: %w", err)
	}

	return etcd, nil
}

func (etcd *EtcdBackend) clusterPrefix() string {
	return "/" + etcd.clusterName
}

func (etcd *EtcdBackend) membersPrefix() string {
	return etcd.clusterPrefix() + "/members"
}

func (etcd *EtcdBackend) lockKey(name string) string {
	return etcd.clusterPrefix() + "/locks/" + name
}

func (etcd *EtcdBackend) flagKey(name string) string {
	return etcd.clusterPrefix() + "/flags/" + name
}

func (etcd *EtcdBackend) barrierKey(name string) string {
	return etcd.clusterPrefix() + "/barriers/" + name
}

func (etcd *EtcdBackend) Lock(name string) election.Lock {
	return &etcdLock{
		backend: etcd,
		key:     etcd.lockKey(name),
		owner:   newOwnerToken(etcd.nodeName),
	}
}

func (etcd *EtcdBackend) Flag(name string) election.Flag {
	return &etcdFlag{client: etcd.client, key: etcd.flagKey(name)}
}

func (etcd *EtcdBackend) Barrier(name string) election.Barrier {
	return &etcdBarrier{client: etcd.client, key: etcd.barrierKey(name)}
}

func (etcd *EtcdBackend) Members(ctx context.Context) (int, error) {
	resp, err := etcd.client.Get(ctx, etcd.membersPrefix()+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return 0, fmt.Errorf("failed to count members in etcd: %w", err)
	}
	return int(resp.Count), nil
}

func (etcd *EtcdBackend) Reset(ctx context.Context) error {
	_, err := etcd.client.Txn(ctx).Then(
		clientv3.OpDelete(etcd.lockKey(""), clientv3.WithPrefix()),
		clientv3.OpDelete(etcd.flagKey(""), clientv3.WithPrefix()),
		clientv3.OpDelete(etcd.barrierKey(""), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to reset cluster in etcd: %w", err)
	}
	return nil
}

// Close revokes the session lease, which removes the member key, and
// closes the client.
func (etcd *EtcdBackend) Close() error {
	if err := etcd.session.Close(); err != nil {
		etcd.logger.Warn("Failed to close etcd session", zap.Error(err))
	}
	return etcd.client.Close()
}

// waitForEvent watches key from rev until match returns true for an
// event or ctx is done.
func waitForEvent(ctx context.Context, client *clientv3.Client, key string, rev int64, match func(*clientv3.Event) bool) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for resp := range client.Watch(wctx, key, clientv3.WithRev(rev)) {
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch on %s failed: %w", key, err)
		}
		for _, ev := range resp.Events {
			if match(ev) {
				return nil
			}
		}
	}
	return ctx.Err()
}

type etcdLock struct {
	backend *EtcdBackend
	key     string
	owner   string
	leaseID clientv3.LeaseID
}

func (l *etcdLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	client := l.backend.client
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for {
		grant, err := client.Grant(ctx, leaseSeconds(lease))
		if err != nil {
			return false, fmt.Errorf("failed to grant etcd lease: %w", err)
		}

		txnResp, err := client.Txn(ctx).If(
			clientv3.Compare(clientv3.CreateRevision(l.key), "=", 0),
		).Then(
			clientv3.OpPut(l.key, l.owner, clientv3.WithLease(grant.ID)),
		).Commit()
		if err != nil {
			client.Revoke(context.Background(), grant.ID)
			return false, fmt.Errorf("failed to commit lock transaction: %w", err)
		}

		if txnResp.Succeeded {
			l.leaseID = grant.ID
			return true, nil
		}

		if _, err := client.Revoke(ctx, grant.ID); err != nil {
			l.backend.logger.Debug("Failed to revoke unused lease", zap.Error(err))
		}

		err = waitForEvent(waitCtx, client, l.key, txnResp.Header.Revision+1, func(ev *clientv3.Event) bool {
			return ev.Type == clientv3.EventTypeDelete
		})
		if waitCtx.Err() != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
}

func (l *etcdLock) Release(ctx context.Context) error {
	client := l.backend.client

	txnResp, err := client.Txn(ctx).If(
		clientv3.Compare(clientv3.Value(l.key), "=", l.owner),
	).Then(
		clientv3.OpDelete(l.key),
	).Commit()
	if err != nil {
		return fmt.Errorf("failed to commit unlock transaction: %w", err)
	}

	if l.leaseID != clientv3.NoLease {
		if _, err := client.Revoke(ctx, l.leaseID); err != nil {
			l.backend.logger.Debug("Failed to revoke lock lease", zap.Error(err))
		}
		l.leaseID = clientv3.NoLease
	}

	if !txnResp.Succeeded {
		return election.ErrNotHeld
	}
	return nil
}

type etcdFlag struct {
	client *clientv3.Client
	key    string
}

func (f *etcdFlag) Get(ctx context.Context) (bool, error) {
	resp, err := f.client.Get(ctx, f.key)
	if err != nil {
		return false, fmt.Errorf("failed to get flag from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	v, err := strconv.ParseBool(string(resp.Kvs[0].Value))
	if err != nil {
		return false, fmt.Errorf("failed to parse flag %s: %w", f.key, err)
	}
	return v, nil
}

func (f *etcdFlag) Set(ctx context.Context, v bool) error {
	if _, err := f.client.Put(ctx, f.key, strconv.FormatBool(v)); err != nil {
		return fmt.Errorf("failed to write flag to etcd: %w", err)
	}
	return nil
}

type etcdBarrier struct {
	client *clientv3.Client
	key    string
}

func (b *etcdBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	txnResp, err := b.client.Txn(ctx).If(
		clientv3.Compare(clientv3.CreateRevision(b.key), "=", 0),
	).Then(
		clientv3.OpPut(b.key, strconv.Itoa(n)),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit barrier init transaction: %w", err)
	}
	return txnResp.Succeeded, nil
}

// CountDown decrements with a compare-and-swap on the key's mod
// revision, retrying when another instance got there first.
func (b *etcdBarrier) CountDown(ctx context.Context) error {
	for {
		resp, err := b.client.Get(ctx, b.key)
		if err != nil {
			return fmt.Errorf("failed to get barrier from etcd: %w", err)
		}
		if len(resp.Kvs) == 0 {
			return nil
		}
		kv := resp.Kvs[0]
		count, err := strconv.Atoi(string(kv.Value))
		if err != nil {
			return fmt.Errorf("failed to parse barrier count: %w", err)
		}
		if count <= 0 {
			return nil
		}

		txnResp, err := b.client.Txn(ctx).If(
			clientv3.Compare(clientv3.ModRevision(b.key), "=", kv.ModRevision),
		).Then(
			clientv3.OpPut(b.key, strconv.Itoa(count-1)),
		).Commit()
		if err != nil {
			return fmt.Errorf("failed to commit barrier count down: %w", err)
		}
		if txnResp.Succeeded {
			return nil
		}
	}
}

func (b *etcdBarrier) count(ctx context.Context) (int, int64, error) {
	resp, err := b.client.Get(ctx, b.key)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get barrier from etcd: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, resp.Header.Revision, nil
	}
	count, err := strconv.Atoi(string(resp.Kvs[0].Value))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse barrier count: %w", err)
	}
	return count, resp.Header.Revision, nil
}

func (b *etcdBarrier) Count(ctx context.Context) (int, error) {
	count, _, err := b.count(ctx)
	return count, err
}

func (b *etcdBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	count, rev, err := b.count(ctx)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return true, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = waitForEvent(waitCtx, b.client, b.key, rev+1, func(ev *clientv3.Event) bool {
		return ev.Type == clientv3.EventTypePut && string(ev.Kv.Value) == "0"
	})
	if waitCtx.Err() != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

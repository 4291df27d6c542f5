package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"startonce/election"
)

// PostgresBackend implements election.Substrate with plain tables.
// Lease expiry is evaluated with the database clock (now()), so instance
// clocks do not matter.
type PostgresBackend struct {
	pool        *pgxpool.Pool
	clusterName string
	nodeName    string
	memberID    string
	logger      *zap.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS startonce_locks (
	cluster_name text        NOT NULL,
	name         text        NOT NULL,
	owner        text        NOT NULL,
	expires_at   timestamptz NOT NULL,
	PRIMARY KEY (cluster_name, name)
);
CREATE TABLE IF NOT EXISTS startonce_flags (
	cluster_name text    NOT NULL,
	name         text    NOT NULL,
	value        boolean NOT NULL,
	PRIMARY KEY (cluster_name, name)
);
CREATE TABLE IF NOT EXISTS startonce_barriers (
	cluster_name text    NOT NULL,
	name         text    NOT NULL,
	count        integer NOT NULL CHECK (count >= 0),
	PRIMARY KEY (cluster_name, name)
);
CREATE TABLE IF NOT EXISTS startonce_members (
	cluster_name text        NOT NULL,
	member_id    text        NOT NULL,
	node_name    text        NOT NULL,
	expires_at   timestamptz NOT NULL,
	PRIMARY KEY (cluster_name, member_id)
);`

func NewPostgresBackend(ctx context.Context, url string, clusterName string, nodeName string, memberTTL time.Duration, logger *zap.Logger) (*PostgresBackend, error) {
	// N.B. default_query_exec_mode=exec because the default uses
	// statement caching, which doesn't work with pgbouncer.
	poolConf, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	poolConf.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	pool, err := pgxpool.NewWithConfig(ctx, poolConf)
	if err != nil {
		return nil, fmt.Errorf("pgx connect error: %w", err)
	}

	p := &PostgresBackend{
		pool:        pool,
		clusterName: clusterName,
		nodeName:    nodeName,
		memberID:    newOwnerToken(nodeName),
		logger:      logger,
	}

	if err := p.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, `
		INSERT INTO startonce_members (cluster_name, member_id, node_name, expires_at)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4))`,
		clusterName, p.memberID, nodeName, memberTTL.Seconds(),
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to register member in postgres: %w", err)
	}

	return p, nil
}

// initSchema creates the tables. Concurrent CREATE TABLE IF NOT EXISTS
// can still collide in the catalog, so instances serialize on an
// advisory lock.
func (p *PostgresBackend) initSchema(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext('startonce_schema'))"); err != nil {
		return fmt.Errorf("failed to take schema lock: %w", err)
	}
	if _, err := tx.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Lock(name string) election.Lock {
	return &postgresLock{backend: p, name: name, owner: newOwnerToken(p.nodeName)}
}

func (p *PostgresBackend) Flag(name string) election.Flag {
	return &postgresFlag{backend: p, name: name}
}

func (p *PostgresBackend) Barrier(name string) election.Barrier {
	return &postgresBarrier{backend: p, name: name}
}

func (p *PostgresBackend) Members(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		"SELECT count(*) FROM startonce_members WHERE cluster_name = $1 AND expires_at > now()",
		p.clusterName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count members in postgres: %w", err)
	}
	return n, nil
}

func (p *PostgresBackend) Reset(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		for _, table := range []string{"startonce_locks", "startonce_flags", "startonce_barriers"} {
			if _, err := tx.Exec(ctx, "DELETE FROM "+table+" WHERE cluster_name = $1", p.clusterName); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset cluster in postgres: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Close() error {
	defer p.pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.pool.Exec(ctx,
		"DELETE FROM startonce_members WHERE cluster_name = $1 AND member_id = $2",
		p.clusterName, p.memberID,
	); err != nil {
		return fmt.Errorf("failed to remove member from postgres: %w", err)
	}
	return nil
}

type postgresLock struct {
	backend *PostgresBackend
	name    string
	owner   string
}

func (l *postgresLock) TryAcquire(ctx context.Context, wait, lease time.Duration) (bool, error) {
	p := l.backend
	return pollUntil(ctx, wait, pollInterval, func(ctx context.Context) (bool, error) {
		tag, err := p.pool.Exec(ctx, `
			INSERT INTO startonce_locks (cluster_name, name, owner, expires_at)
			VALUES ($1, $2, $3, now() + make_interval(secs => $4))
			ON CONFLICT (cluster_name, name) DO UPDATE
			SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
			WHERE startonce_locks.expires_at < now() OR startonce_locks.owner = EXCLUDED.owner`,
			p.clusterName, l.name, l.owner, lease.Seconds(),
		)
		if err != nil {
			return false, fmt.Errorf("failed to write lock to postgres: %w", err)
		}
		return tag.RowsAffected() == 1, nil
	})
}

func (l *postgresLock) Release(ctx context.Context) error {
	p := l.backend
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM startonce_locks
		WHERE cluster_name = $1 AND name = $2 AND owner = $3 AND expires_at >= now()`,
		p.clusterName, l.name, l.owner,
	)
	if err != nil {
		return fmt.Errorf("failed to delete lock from postgres: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return election.ErrNotHeld
	}
	return nil
}

type postgresFlag struct {
	backend *PostgresBackend
	name    string
}

func (f *postgresFlag) Get(ctx context.Context) (bool, error) {
	p := f.backend
	var v bool
	err := p.pool.QueryRow(ctx,
		"SELECT value FROM startonce_flags WHERE cluster_name = $1 AND name = $2",
		p.clusterName, f.name,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get flag from postgres: %w", err)
	}
	return v, nil
}

func (f *postgresFlag) Set(ctx context.Context, v bool) error {
	p := f.backend
	if _, err := p.pool.Exec(ctx, `
		INSERT INTO startonce_flags (cluster_name, name, value) VALUES ($1, $2, $3)
		ON CONFLICT (cluster_name, name) DO UPDATE SET value = EXCLUDED.value`,
		p.clusterName, f.name, v,
	); err != nil {
		return fmt.Errorf("failed to write flag to postgres: %w", err)
	}
	return nil
}

type postgresBarrier struct {
	backend *PostgresBackend
	name    string
}

func (b *postgresBarrier) TrySetCount(ctx context.Context, n int) (bool, error) {
	if n < 0 {
		return false, fmt.Errorf("barrier count must not be negative, got %d", n)
	}
	p := b.backend
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO startonce_barriers (cluster_name, name, count) VALUES ($1, $2, $3)
		ON CONFLICT (cluster_name, name) DO NOTHING`,
		p.clusterName, b.name, n,
	)
	if err != nil {
		return false, fmt.Errorf("failed to write barrier to postgres: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *postgresBarrier) CountDown(ctx context.Context) error {
	p := b.backend
	if _, err := p.pool.Exec(ctx, `
		UPDATE startonce_barriers SET count = count - 1
		WHERE cluster_name = $1 AND name = $2 AND count > 0`,
		p.clusterName, b.name,
	); err != nil {
		return fmt.Errorf("failed to count down barrier in postgres: %w", err)
	}
	return nil
}

func (b *postgresBarrier) Count(ctx context.Context) (int, error) {
	p := b.backend
	var n int
	err := p.pool.QueryRow(ctx,
		"SELECT count FROM startonce_barriers WHERE cluster_name = $1 AND name = $2",
		p.clusterName, b.name,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get barrier from postgres: %w", err)
	}
	return n, nil
}

func (b *postgresBarrier) Await(ctx context.Context, timeout time.Duration) (bool, error) {
	return pollUntil(ctx, timeout, pollInterval, func(ctx context.Context) (bool, error) {
		n, err := b.Count(ctx)
		return n == 0, err
	})
}

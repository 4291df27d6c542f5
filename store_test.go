package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLeaseSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{200 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, leaseSeconds(tt.in), "lease %s", tt.in)
	}
}

func TestNewOwnerToken(t *testing.T) {
	a := newOwnerToken("node-a")
	b := newOwnerToken("node-a")

	assert.True(t, strings.HasPrefix(a, "node-a/"))
	assert.NotEqual(t, a, b)
}

func TestPollUntil(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after a few checks", func(t *testing.T) {
		calls := 0
		ok, err := pollUntil(ctx, time.Second, time.Millisecond, func(context.Context) (bool, error) {
			calls++
			return calls == 3, nil
		})
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, calls)
	})

	t.Run("zero wait checks once", func(t *testing.T) {
		calls := 0
		ok, err := pollUntil(ctx, 0, time.Millisecond, func(context.Context) (bool, error) {
			calls++
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, calls)
	})

	t.Run("times out", func(t *testing.T) {
		start := time.Now()
		ok, err := pollUntil(ctx, 50*time.Millisecond, 10*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	})

	t.Run("returns check errors", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := pollUntil(ctx, time.Second, time.Millisecond, func(context.Context) (bool, error) {
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("stops when context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := pollUntil(ctx, time.Minute, 10*time.Millisecond, func(context.Context) (bool, error) {
			return false, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConnectSubstrate_Memory(t *testing.T) {
	conf := testConfig()
	substrate, err := connectSubstrate(context.Background(), conf, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer substrate.Close()

	members, err := substrate.Members(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, members)
}

func TestConnectSubstrate_UnknownBackend(t *testing.T) {
	conf := testConfig()
	conf.backend = "zookeeper"
	_, err := connectSubstrate(context.Background(), conf, zaptest.NewLogger(t))
	assert.Error(t, err)
}

package client_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/tessera/pkg/client"
	"github.com/pixperk/tessera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolReusesConnections(t *testing.T) {
	pool := client.NewPool()

	_, err := pool.Get("passthrough:///a")
	require.NoError(t, err)
	_, err = pool.Get("passthrough:///a")
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Len())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := pool.Get("passthrough:///b")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, pool.Len())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, pool.Len())

	_, err = pool.Get("passthrough:///a")
	assert.ErrorIs(t, err, client.ErrClosed)
	assert.NoError(t, pool.Close())
}

func TestNewClientDefaultsOwner(t *testing.T) {
	dial := startCoordinator(t)
	a := newClient(t, dial, "")
	b := newClient(t, dial, "")

	assert.NotEmpty(t, a.OwnerID())
	assert.NotEqual(t, a.OwnerID(), b.OwnerID())
}

func TestAcquireAndRelease(t *testing.T) {
	dial := startCoordinator(t)
	alice := newClient(t, dial, "alice")
	bob := newClient(t, dial, "bob")
	ctx := context.Background()

	lock, err := alice.Acquire(ctx, "printer", time.Minute, types.TierLinearizable)
	require.NoError(t, err)
	assert.Equal(t, "printer", lock.Resource())
	assert.Equal(t, int64(1), lock.Token())

	_, err = bob.Acquire(ctx, "printer", time.Minute, types.TierLinearizable)
	assert.ErrorIs(t, err, client.ErrBusy)

	info, err := bob.GetLock(ctx, "printer", types.TierLinearizable)
	require.NoError(t, err)
	assert.Equal(t, "alice", info.Owner)
	assert.Equal(t, int64(1), info.FencingToken)

	require.NoError(t, lock.Release(ctx))

	lock, err = bob.Acquire(ctx, "printer", time.Minute, types.TierLinearizable)
	require.NoError(t, err)
	assert.Equal(t, int64(2), lock.Token())

	// alice no longer holds it
	assert.ErrorIs(t, alice.Release(ctx, "printer", types.TierLinearizable), client.ErrFailed)
}

func TestInvalidInputIsNotRetried(t *testing.T) {
	dial := startCoordinator(t)
	c := newClient(t, dial, "owner")

	_, err := c.Acquire(context.Background(), "", time.Second, types.TierEphemeral)
	assert.ErrorIs(t, err, client.ErrInvalidInput)

	_, err = c.Acquire(context.Background(), "r", 0, types.TierEphemeral)
	assert.ErrorIs(t, err, client.ErrInvalidInput)
}

func TestKeepAliveHoldsLockPastTTL(t *testing.T) {
	dial := startCoordinator(t)
	alice := newClient(t, dial, "alice")
	bob := newClient(t, dial, "bob")
	ctx := context.Background()

	lock, err := alice.Acquire(ctx, "job", 300*time.Millisecond, types.TierEphemeral)
	require.NoError(t, err)

	var lost atomic.Bool
	lock.KeepAlive(ctx, func(error) { lost.Store(true) })

	time.Sleep(700 * time.Millisecond)

	_, err = bob.Acquire(ctx, "job", time.Second, types.TierEphemeral)
	assert.ErrorIs(t, err, client.ErrBusy)
	assert.False(t, lost.Load())

	require.NoError(t, lock.Release(ctx))

	_, err = bob.Acquire(ctx, "job", time.Second, types.TierEphemeral)
	assert.NoError(t, err)
}

func TestKeepAliveReportsLostLock(t *testing.T) {
	dial := startCoordinator(t)
	alice := newClient(t, dial, "alice")
	bob := newClient(t, dial, "bob")
	ctx := context.Background()

	lock, err := alice.Acquire(ctx, "job", 60*time.Millisecond, types.TierEphemeral)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	taken, err := bob.Acquire(ctx, "job", time.Minute, types.TierEphemeral)
	require.NoError(t, err)
	assert.Equal(t, int64(2), taken.Token())

	lostCh := make(chan error, 1)
	lock.KeepAlive(ctx, func(err error) { lostCh <- err })

	select {
	case err := <-lostCh:
		assert.ErrorIs(t, err, client.ErrFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive never reported the lost lock")
	}
}

func TestConditionalSet(t *testing.T) {
	dial := startCoordinator(t)
	c := newClient(t, dial, "writer")
	ctx := context.Background()

	rev, err := c.Set(ctx, "config", []byte("v1"), 0, types.TierEphemeral, client.SetCondition{Flags: types.SetIfNotExists})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev)

	rev, err = c.Set(ctx, "config", []byte("v2"), 0, types.TierEphemeral, client.SetCondition{Flags: types.SetIfNotExists})
	assert.ErrorIs(t, err, client.ErrNotSet)
	assert.Equal(t, int64(0), rev)

	rev, err = c.Set(ctx, "config", []byte("v2"), 0, types.TierEphemeral, client.SetCondition{Flags: types.SetIfEqualToValue, Value: []byte("v1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)

	kv, err := c.Get(ctx, "config", types.TierEphemeral)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), kv.Value)
	assert.Equal(t, int64(1), kv.Revision)
	assert.True(t, kv.Expires.IsZero())

	_, err = c.Get(ctx, "missing", types.TierEphemeral)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestKeyValueExpiresAndExtends(t *testing.T) {
	dial := startCoordinator(t)
	c := newClient(t, dial, "writer")
	ctx := context.Background()

	_, err := c.Set(ctx, "session", []byte("s"), 150*time.Millisecond, types.TierLinearizable, client.SetCondition{})
	require.NoError(t, err)

	rev, err := c.Extend(ctx, "session", time.Minute, types.TierLinearizable)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev)

	time.Sleep(200 * time.Millisecond)

	kv, err := c.Get(ctx, "session", types.TierLinearizable)
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), kv.Value)

	_, err = c.Delete(ctx, "session", types.TierLinearizable)
	require.NoError(t, err)

	_, err = c.Delete(ctx, "session", types.TierLinearizable)
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestStatus(t *testing.T) {
	dial := startCoordinator(t)
	c := newClient(t, dial, "watcher")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Acquire(ctx, fmt.Sprintf("r-%d", i), time.Minute, types.TierEphemeral)
		require.NoError(t, err)
	}

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bench", st.NodeId)
	assert.Equal(t, "Standalone", st.State)
	assert.True(t, st.IsLeader)
	assert.Equal(t, int64(3), st.Resident.EphemeralLocks)
}

package keyvalues

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/tessera/pkg/replication"
	"github.com/pixperk/tessera/pkg/replication/replicationtest"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopPersister struct{}

func (noopPersister) Enqueue(context.Context, storage.Write) error { return nil }

func manualClock() (*hlc.Clock, *atomic.Int64) {
	var now atomic.Int64
	now.Store(5_000_000)
	return hlc.NewClockWithPhysical(func() int64 { return now.Load() }), &now
}

type fixture struct {
	manager   *Manager
	consensus *replicationtest.Consensus
	now       *atomic.Int64
}

func (f *fixture) advance(d time.Duration) {
	f.now.Add(d.Milliseconds())
}

func newFixture(t *testing.T, loader Loader) *fixture {
	t.Helper()

	clock, now := manualClock()
	consensus := replicationtest.New(8)
	bridge := replication.NewBridge(consensus, noopPersister{}, nil)

	m := NewManager(clock, bridge, loader, Options{Workers: 4})
	t.Cleanup(m.Close)

	return &fixture{manager: m, consensus: consensus, now: now}
}

var tiers = []types.Tier{types.TierEphemeral, types.TierLinearizable}

func TestScenarioCompareRevision(t *testing.T) {
	for _, tier := range tiers {
		t.Run(tier.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			res, rev := f.manager.TrySetKeyValue(ctx, "k", []byte("v1"), 0, Always(), tier)
			assert.Equal(t, types.KeyValueResponseSet, res)
			assert.Equal(t, int64(0), rev)

			res, rev = f.manager.TrySetKeyValue(ctx, "k", []byte("v2"), 0, IfRevision(0), tier)
			assert.Equal(t, types.KeyValueResponseSet, res)
			assert.Equal(t, int64(1), rev)

			res, rev = f.manager.TrySetKeyValue(ctx, "k", []byte("v3"), 0, IfRevision(0), tier)
			assert.Equal(t, types.KeyValueResponseNotSet, res)
			assert.Equal(t, int64(1), rev, "NotSet reports the current revision")

			res, ro := f.manager.TryGetKeyValue(ctx, "k", tier)
			require.Equal(t, types.KeyValueResponseGot, res)
			assert.Equal(t, []byte("v2"), ro.Value)
			assert.Equal(t, int64(1), ro.Revision)
		})
	}
}

func TestStoredValueIsIsolatedFromCallerBuffers(t *testing.T) {
	for _, tier := range tiers {
		t.Run(tier.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			buf := []byte("v1")
			res, _ := f.manager.TrySetKeyValue(ctx, "k", buf, 0, Always(), tier)
			require.Equal(t, types.KeyValueResponseSet, res)

			buf[0] = 'X'

			res, ro := f.manager.TryGetKeyValue(ctx, "k", tier)
			require.Equal(t, types.KeyValueResponseGot, res)
			assert.Equal(t, []byte("v1"), ro.Value)

			ro.Value[1] = 'Z'

			_, ro = f.manager.TryGetKeyValue(ctx, "k", tier)
			assert.Equal(t, []byte("v1"), ro.Value)
			assert.Equal(t, int64(0), ro.Revision)
		})
	}
}

func TestConditionalSet(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		seed     bool
		cond     Condition
		expected types.KeyValueResponseType
	}{
		{"always on missing key", false, Always(), types.KeyValueResponseSet},
		{"always on existing key", true, Always(), types.KeyValueResponseSet},
		{"if exists on missing key", false, IfExists(), types.KeyValueResponseNotSet},
		{"if exists on existing key", true, IfExists(), types.KeyValueResponseSet},
		{"if not exists on missing key", false, IfNotExists(), types.KeyValueResponseSet},
		{"if not exists on existing key", true, IfNotExists(), types.KeyValueResponseNotSet},
		{"if value matches", true, IfValue([]byte("seed")), types.KeyValueResponseSet},
		{"if value differs", true, IfValue([]byte("other")), types.KeyValueResponseNotSet},
		{"if value on missing key", false, IfValue(nil), types.KeyValueResponseNotSet},
		{"if revision matches", true, IfRevision(0), types.KeyValueResponseSet},
		{"if revision differs", true, IfRevision(7), types.KeyValueResponseNotSet},
		{"if revision on missing key", false, IfRevision(-1), types.KeyValueResponseNotSet},
	}

	for _, tier := range tiers {
		for _, tt := range tests {
			t.Run(tier.String()+"/"+tt.name, func(t *testing.T) {
				f := newFixture(t, nil)

				if tt.seed {
					res, _ := f.manager.TrySetKeyValue(ctx, "k", []byte("seed"), 0, Always(), tier)
					require.Equal(t, types.KeyValueResponseSet, res)
				}

				res, _ := f.manager.TrySetKeyValue(ctx, "k", []byte("new"), 0, tt.cond, tier)
				assert.Equal(t, tt.expected, res)
			})
		}
	}
}

func TestFailedGuardDoesNotCacheKey(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, rev := f.manager.TrySetKeyValue(ctx, "k", []byte("v"), 0, IfExists(), types.TierEphemeral)
	assert.Equal(t, types.KeyValueResponseNotSet, res)
	assert.Equal(t, int64(-1), rev)
	assert.Equal(t, 0, f.manager.Resident(types.TierEphemeral))
}

func TestRevisionIncrementsByOne(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, rev := f.manager.TrySetKeyValue(ctx, "k", []byte(fmt.Sprint(i)), time.Minute, Always(), types.TierLinearizable)
		require.Equal(t, types.KeyValueResponseSet, res)
		assert.Equal(t, int64(i), rev)

		//extend never touches the revision
		res, rev = f.manager.TryExtendKeyValue(ctx, "k", time.Minute, types.TierLinearizable)
		require.Equal(t, types.KeyValueResponseExtended, res)
		assert.Equal(t, int64(i), rev)
	}
}

func TestTombstone(t *testing.T) {
	for _, tier := range tiers {
		t.Run(tier.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			f.manager.TrySetKeyValue(ctx, "k", []byte("v1"), 0, Always(), tier)
			f.manager.TrySetKeyValue(ctx, "k", []byte("v2"), 0, Always(), tier)

			res, rev := f.manager.TryDeleteKeyValue(ctx, "k", tier)
			assert.Equal(t, types.KeyValueResponseDeleted, res)
			assert.Equal(t, int64(1), rev, "delete keeps the revision")

			res, _ = f.manager.TryDeleteKeyValue(ctx, "k", tier)
			assert.Equal(t, types.KeyValueResponseDoesNotExist, res)

			res, _ = f.manager.TryGetKeyValue(ctx, "k", tier)
			assert.Equal(t, types.KeyValueResponseDoesNotExist, res)

			res, _ = f.manager.TryExtendKeyValue(ctx, "k", time.Minute, tier)
			assert.Equal(t, types.KeyValueResponseDoesNotExist, res)

			//tombstone stays resident
			assert.Equal(t, 1, f.manager.Resident(tier))

			res, _ = f.manager.TrySetKeyValue(ctx, "k", []byte("v3"), 0, IfExists(), tier)
			assert.Equal(t, types.KeyValueResponseNotSet, res)

			res, rev = f.manager.TrySetKeyValue(ctx, "k", []byte("v3"), 0, IfNotExists(), tier)
			assert.Equal(t, types.KeyValueResponseSet, res)
			assert.Equal(t, int64(2), rev, "resurrection continues the revision sequence")
		})
	}
}

func TestExpiry(t *testing.T) {
	for _, tier := range tiers {
		t.Run(tier.String(), func(t *testing.T) {
			f := newFixture(t, nil)
			ctx := context.Background()

			f.manager.TrySetKeyValue(ctx, "short", []byte("v"), time.Second, Always(), tier)
			f.manager.TrySetKeyValue(ctx, "forever", []byte("v"), 0, Always(), tier)

			f.advance(500 * time.Millisecond)
			res, _ := f.manager.TryExtendKeyValue(ctx, "short", 2*time.Second, tier)
			require.Equal(t, types.KeyValueResponseExtended, res)

			f.advance(time.Second)
			res, ro := f.manager.TryGetKeyValue(ctx, "short", tier)
			require.Equal(t, types.KeyValueResponseGot, res)
			assert.Equal(t, int64(5_000_000+500+2000), ro.Expires.Physical)

			f.advance(time.Hour)

			res, _ = f.manager.TryGetKeyValue(ctx, "short", tier)
			assert.Equal(t, types.KeyValueResponseDoesNotExist, res)

			res, _ = f.manager.TryExtendKeyValue(ctx, "short", time.Second, tier)
			assert.Equal(t, types.KeyValueResponseDoesNotExist, res)

			res, ro = f.manager.TryGetKeyValue(ctx, "forever", tier)
			require.Equal(t, types.KeyValueResponseGot, res)
			assert.True(t, ro.Expires.IsZero())

			//expired keys can be claimed by SetIfNotExists
			res, rev := f.manager.TrySetKeyValue(ctx, "short", []byte("again"), 0, IfNotExists(), tier)
			assert.Equal(t, types.KeyValueResponseSet, res)
			assert.Equal(t, int64(1), rev)
		})
	}
}

func TestReplicationFailureLeavesKeyUntouched(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.manager.TrySetKeyValue(ctx, "k", []byte("v1"), 0, Always(), types.TierLinearizable)

	f.consensus.FailWith(replicationtest.ErrQuorumLost)

	res, _ := f.manager.TrySetKeyValue(ctx, "k", []byte("v2"), 0, Always(), types.TierLinearizable)
	assert.Equal(t, types.KeyValueResponseErrored, res)

	res, _ = f.manager.TryDeleteKeyValue(ctx, "k", types.TierLinearizable)
	assert.Equal(t, types.KeyValueResponseErrored, res)

	res, _ = f.manager.TrySetKeyValue(ctx, "fresh", []byte("v"), 0, Always(), types.TierLinearizable)
	assert.Equal(t, types.KeyValueResponseErrored, res)
	assert.Equal(t, 1, f.manager.Resident(types.TierLinearizable))

	f.consensus.FailWith(nil)

	res, ro := f.manager.TryGetKeyValue(ctx, "k", types.TierLinearizable)
	require.Equal(t, types.KeyValueResponseGot, res)
	assert.Equal(t, []byte("v1"), ro.Value)
	assert.Equal(t, int64(0), ro.Revision)

	//ephemeral traffic never depends on consensus
	f.consensus.FailWith(replicationtest.ErrQuorumLost)
	res, _ = f.manager.TrySetKeyValue(ctx, "k", []byte("v"), 0, Always(), types.TierEphemeral)
	assert.Equal(t, types.KeyValueResponseSet, res)
}

func TestCommittedKeyValueMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.manager.TrySetKeyValue(ctx, "k", []byte("v"), time.Minute, Always(), types.TierLinearizable)
	f.manager.TryGetKeyValue(ctx, "k", types.TierLinearizable)
	f.manager.TryDeleteKeyValue(ctx, "k", types.TierLinearizable)

	msgs := f.consensus.Committed()
	require.Len(t, msgs, 2, "reads are not replicated")

	assert.Equal(t, replication.KindKeyValue, msgs[0].Kind)
	assert.Equal(t, uint32(types.KeyValueRequestTrySet), msgs[0].Op)
	assert.Equal(t, []byte("v"), msgs[0].Value)
	assert.Equal(t, int64(0), msgs[0].Version)

	assert.Equal(t, uint32(types.KeyValueRequestTryDelete), msgs[1].Op)
	assert.Empty(t, msgs[1].Value)
	assert.Equal(t, int32(types.KeyValueDeleted), msgs[1].State)
}

func TestEvictionReloadsFromStore(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	writer := storage.NewWriter(store, storage.WriterOptions{Partitions: 8})
	defer writer.Close()

	clock, now := manualClock()
	bridge := replication.NewBridge(replication.Standalone{Partitions: 8}, writer, nil)

	policy := EvictionPolicy{Every: 1, Threshold: 1, Batch: 10, IdleWindow: time.Minute}
	actor := NewActor("test", types.TierLinearizable, clock, bridge, store, policy, nil)

	ctx := context.Background()
	set := func(key, value string) {
		resp := actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTrySet, Key: key, Value: []byte(value), Tier: types.TierLinearizable})
		require.Equal(t, types.KeyValueResponseSet, resp.Type)
	}
	set("k", "v1")
	set("k", "v2")
	set("other", "x")
	require.Equal(t, 2, actor.Resident())

	require.NoError(t, writer.Flush(ctx))

	now.Add(2 * time.Minute.Milliseconds())

	//the sweep runs before the read is served
	resp := actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTryGet, Key: "k", Tier: types.TierLinearizable})
	require.Equal(t, types.KeyValueResponseGot, resp.Type)
	assert.Equal(t, []byte("v2"), resp.Context.Value)
	assert.Equal(t, int64(1), resp.Context.Revision)

	assert.Equal(t, 1, actor.Resident(), "only k was reloaded")
}

func TestEvictionDropsEphemeralKeys(t *testing.T) {
	clock, now := manualClock()
	policy := EvictionPolicy{Every: 1, Threshold: 2, Batch: 10, IdleWindow: time.Minute}
	actor := NewActor("test", types.TierEphemeral, clock, nil, nil, policy, nil)

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTrySet, Key: key, Value: []byte("v")})
	}
	require.Equal(t, 3, actor.Resident())

	now.Add(2 * time.Minute.Milliseconds())

	resp := actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTryGet, Key: "a"})
	assert.Equal(t, types.KeyValueResponseDoesNotExist, resp.Type)
	assert.Equal(t, 0, actor.Resident())
}

func TestEvictionSkipsRecentlyUsedKeys(t *testing.T) {
	clock, now := manualClock()
	policy := EvictionPolicy{Every: 1, Threshold: 2, Batch: 10, IdleWindow: time.Minute}
	actor := NewActor("test", types.TierEphemeral, clock, nil, nil, policy, nil)

	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTrySet, Key: key, Value: []byte("v")})
	}

	now.Add(50 * time.Second.Milliseconds())
	resp := actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTryGet, Key: "a"})
	require.Equal(t, types.KeyValueResponseGot, resp.Type)

	now.Add(30 * time.Second.Milliseconds())

	//b and c are idle for 80s, a only for 30s
	resp = actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTryGet, Key: "a"})
	assert.Equal(t, types.KeyValueResponseGot, resp.Type)
	assert.Equal(t, 1, actor.Resident())
}

func TestEvictionBatchIsBounded(t *testing.T) {
	clock, now := manualClock()
	policy := EvictionPolicy{Every: 1, Threshold: 1, Batch: 2, IdleWindow: time.Minute}
	actor := NewActor("test", types.TierEphemeral, clock, nil, nil, policy, nil)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTrySet, Key: fmt.Sprint(i), Value: []byte("v")})
	}

	now.Add(2 * time.Minute.Milliseconds())
	actor.Receive(ctx, types.KeyValueRequest{Type: types.KeyValueRequestTryGet, Key: "missing"})

	assert.Equal(t, 4, actor.Resident())
}

func TestLinearizableMissLoadsFromStore(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.StoreKeyValue(context.Background(), storage.KeyValueRecord{
		Key:      "k",
		Value:    []byte("persisted"),
		Revision: 9,
		Tier:     types.TierLinearizable,
		State:    types.KeyValueSet,
	}))
	require.NoError(t, store.StoreKeyValue(context.Background(), storage.KeyValueRecord{
		Key:      "gone",
		Revision: 4,
		Tier:     types.TierLinearizable,
		State:    types.KeyValueDeleted,
	}))

	f := newFixture(t, store)
	ctx := context.Background()

	res, ro := f.manager.TryGetKeyValue(ctx, "k", types.TierLinearizable)
	require.Equal(t, types.KeyValueResponseGot, res)
	assert.Equal(t, []byte("persisted"), ro.Value)
	assert.Equal(t, int64(9), ro.Revision)

	res, rev := f.manager.TrySetKeyValue(ctx, "k", []byte("next"), 0, IfRevision(9), types.TierLinearizable)
	assert.Equal(t, types.KeyValueResponseSet, res)
	assert.Equal(t, int64(10), rev)

	//persisted tombstone keeps the revision sequence going
	res, rev = f.manager.TrySetKeyValue(ctx, "gone", []byte("back"), 0, IfNotExists(), types.TierLinearizable)
	assert.Equal(t, types.KeyValueResponseSet, res)
	assert.Equal(t, int64(5), rev)

	//the ephemeral tier never consults the store
	res, _ = f.manager.TryGetKeyValue(ctx, "k", types.TierEphemeral)
	assert.Equal(t, types.KeyValueResponseDoesNotExist, res)
}

func TestUnknownRequestType(t *testing.T) {
	clock, _ := manualClock()
	actor := NewActor("test", types.TierEphemeral, clock, nil, nil, EvictionPolicy{}, nil)

	resp := actor.Receive(context.Background(), types.KeyValueRequest{Type: 99, Key: "k"})
	assert.Equal(t, types.KeyValueResponseErrored, resp.Type)
}

func TestForgetConsistentReloadsNewerState(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	f := newFixture(t, store)
	ctx := context.Background()

	f.manager.TrySetKeyValue(ctx, "k", []byte("mine"), 0, Always(), types.TierLinearizable)

	require.NoError(t, store.StoreKeyValue(ctx, storage.KeyValueRecord{
		Key:      "k",
		Value:    []byte("theirs"),
		Revision: 3,
		Tier:     types.TierLinearizable,
		State:    types.KeyValueSet,
	}))

	require.NoError(t, f.manager.ForgetConsistent(ctx))
	assert.Equal(t, 0, f.manager.Resident(types.TierLinearizable))

	res, ro := f.manager.TryGetKeyValue(ctx, "k", types.TierLinearizable)
	require.Equal(t, types.KeyValueResponseGot, res)
	assert.Equal(t, []byte("theirs"), ro.Value)
	assert.Equal(t, int64(3), ro.Revision)
}

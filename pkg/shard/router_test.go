package shard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/tessera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	key   string
	seq   int
	delay time.Duration
}

// records the order in which requests were processed and flags overlapping calls
type recordingActor struct {
	index   int
	busy    atomic.Bool
	overlap atomic.Bool

	mu   sync.Mutex
	seen map[string][]int
}

func (a *recordingActor) Receive(ctx context.Context, req echoRequest) int {
	if !a.busy.CompareAndSwap(false, true) {
		a.overlap.Store(true)
	}
	defer a.busy.Store(false)

	if req.delay > 0 {
		time.Sleep(req.delay)
	}

	a.mu.Lock()
	a.seen[req.key] = append(a.seen[req.key], req.seq)
	a.mu.Unlock()

	return a.index
}

func newTestRouter(t *testing.T, workers int) (*Router[echoRequest, int], []*recordingActor) {
	t.Helper()

	actors := make([]*recordingActor, workers)
	r := New(Options{Name: "test", Workers: workers, MailboxSize: 16}, func(i int) Actor[echoRequest, int] {
		actors[i] = &recordingActor{index: i, seen: make(map[string][]int)}
		return actors[i]
	})
	t.Cleanup(r.Close)

	return r, actors
}

func TestIndexIsDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("resource-%d", i)
		first := Index(key, 32, "")
		assert.Equal(t, first, Index(key, 32, ""))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 32)
	}

	assert.Equal(t, 0, Index("anything", 1, ""))
	assert.Equal(t, 0, Index("anything", 0, ""))
}

func TestIndexSpreadsKeys(t *testing.T) {
	buckets := make(map[int]int)
	for i := 0; i < 1000; i++ {
		buckets[Index(fmt.Sprintf("key-%d", i), 8, "")]++
	}
	assert.Len(t, buckets, 8, "every bucket should receive keys")
}

func TestSeedSeparatesHashSpaces(t *testing.T) {
	differs := false
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		if Index(key, 64, "") != Index(key, 64, "partition") {
			differs = true
			break
		}
	}
	assert.True(t, differs)
}

func TestAskRoutesToOwningActor(t *testing.T) {
	r, _ := newTestRouter(t, 8)

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("k-%d", i)
		idx, err := r.Ask(context.Background(), key, echoRequest{key: key})
		require.NoError(t, err)
		assert.Equal(t, r.IndexOf(key), idx)
	}
}

func TestSameKeyIsSerializedInOrder(t *testing.T) {
	r, actors := newTestRouter(t, 4)

	const n = 50
	key := "hot-key"

	//sequential submission keeps FIFO order observable
	for i := 0; i < n; i++ {
		_, err := r.Ask(context.Background(), key, echoRequest{key: key, seq: i})
		require.NoError(t, err)
	}

	owner := actors[r.IndexOf(key)]
	owner.mu.Lock()
	defer owner.mu.Unlock()

	require.Len(t, owner.seen[key], n)
	for i, seq := range owner.seen[key] {
		assert.Equal(t, i, seq)
	}
}

func TestConcurrentAskNeverOverlapsWithinActor(t *testing.T) {
	r, actors := newTestRouter(t, 4)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k-%d", i%8)
			_, err := r.Ask(context.Background(), key, echoRequest{key: key, seq: i, delay: time.Millisecond})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, a := range actors {
		assert.False(t, a.overlap.Load(), "actor %d processed two requests at once", a.index)
	}
}

func TestDistinctActorsRunInParallel(t *testing.T) {
	r, _ := newTestRouter(t, 16)

	//find two keys owned by different actors
	keyA, keyB := "a", ""
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("b-%d", i)
		if r.IndexOf(k) != r.IndexOf(keyA) {
			keyB = k
			break
		}
	}
	require.NotEmpty(t, keyB)

	start := time.Now()
	var wg sync.WaitGroup
	for _, k := range []string{keyA, keyB} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, err := r.Ask(context.Background(), k, echoRequest{key: k, delay: 100 * time.Millisecond})
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()

	assert.Less(t, time.Since(start), 190*time.Millisecond, "independent actors should not serialize")
}

func TestAskWithCancelledContext(t *testing.T) {
	r, actors := newTestRouter(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Ask(ctx, "k", echoRequest{key: "k"})
	require.ErrorIs(t, err, context.Canceled)

	for _, a := range actors {
		a.mu.Lock()
		assert.Empty(t, a.seen)
		a.mu.Unlock()
	}
}

func TestAskAfterClose(t *testing.T) {
	r := New(Options{Name: "closed", Workers: 2}, func(i int) Actor[echoRequest, int] {
		return &recordingActor{index: i, seen: make(map[string][]int)}
	})
	r.Close()
	r.Close() //idempotent

	_, err := r.Ask(context.Background(), "k", echoRequest{key: "k"})
	assert.ErrorIs(t, err, types.ErrRouterClosed)
}

func TestBroadcastReachesEveryActorAfterQueuedWork(t *testing.T) {
	r, actors := newTestRouter(t, 4)

	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("k-%d", i)
		_, err := r.Ask(context.Background(), key, echoRequest{key: key, seq: 1})
		require.NoError(t, err)
	}

	replies, err := r.Broadcast(context.Background(), echoRequest{key: "all", seq: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, replies)

	for _, a := range actors {
		a.mu.Lock()
		assert.Equal(t, []int{2}, a.seen["all"])
		a.mu.Unlock()
	}

	r.Close()
	_, err = r.Broadcast(context.Background(), echoRequest{key: "all"})
	assert.ErrorIs(t, err, types.ErrRouterClosed)
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 32)
}

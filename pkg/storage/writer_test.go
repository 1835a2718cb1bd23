package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/tessera/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// in-memory Store that records write order and can be stalled
type recordingStore struct {
	mu      sync.Mutex
	order   []string
	locks   map[string]LockRecord
	kvs     map[string]KeyValueRecord
	gate    chan struct{}
	failKey string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		locks: make(map[string]LockRecord),
		kvs:   make(map[string]KeyValueRecord),
	}
}

func (s *recordingStore) wait() {
	if s.gate != nil {
		<-s.gate
	}
}

func (s *recordingStore) GetLock(_ context.Context, resource string) (*LockRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.locks[resource]
	return &rec, ok, nil
}

func (s *recordingStore) GetKeyValue(_ context.Context, key string) (*KeyValueRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.kvs[key]
	return &rec, ok, nil
}

func (s *recordingStore) StoreLock(_ context.Context, rec LockRecord) error {
	s.wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[rec.Resource] = rec
	s.order = append(s.order, fmt.Sprintf("lock:%s:%d", rec.Resource, rec.FencingToken))
	return nil
}

func (s *recordingStore) StoreKeyValue(_ context.Context, rec KeyValueRecord) error {
	s.wait()
	if rec.Key == s.failKey {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kvs[rec.Key] = rec
	s.order = append(s.order, fmt.Sprintf("kv:%s:%d", rec.Key, rec.Revision))
	return nil
}

func (s *recordingStore) Export(context.Context, io.Writer) error { return nil }
func (s *recordingStore) Import(context.Context, io.Reader) error { return nil }
func (s *recordingStore) Close() error                            { return nil }

func (s *recordingStore) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func TestWriterPreservesPartitionOrder(t *testing.T) {
	store := newRecordingStore()
	w := NewWriter(store, WriterOptions{Partitions: 4, QueueSize: 8})
	defer w.Close()

	ctx := context.Background()
	for rev := int64(0); rev < 20; rev++ {
		require.NoError(t, w.Enqueue(ctx, Write{
			Partition: 2,
			KeyValue:  &KeyValueRecord{Key: "k", Revision: rev},
		}))
	}
	require.NoError(t, w.Flush(ctx))

	writes := store.writes()
	require.Len(t, writes, 20)
	for i, entry := range writes {
		assert.Equal(t, fmt.Sprintf("kv:k:%d", i), entry)
	}
	assert.Equal(t, int64(19), store.kvs["k"].Revision)
}

func TestWriterPersistsLocks(t *testing.T) {
	store := newRecordingStore()
	w := NewWriter(store, WriterOptions{Partitions: 2})

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, Write{Partition: 1, Lock: &LockRecord{Resource: "r", FencingToken: 1}}))
	require.NoError(t, w.Enqueue(ctx, Write{Partition: 1, Lock: &LockRecord{Resource: "r", FencingToken: 2}}))

	//close drains what was queued
	w.Close()

	assert.Equal(t, []string{"lock:r:1", "lock:r:2"}, store.writes())
}

func TestWriterBlocksWhenFull(t *testing.T) {
	store := newRecordingStore()
	store.gate = make(chan struct{})
	w := NewWriter(store, WriterOptions{Partitions: 1, QueueSize: 1})

	ctx := context.Background()
	//first write is taken by the loop and stalls on the gate, second fills the queue
	require.NoError(t, w.Enqueue(ctx, Write{KeyValue: &KeyValueRecord{Key: "a"}}))
	require.Eventually(t, func() bool { return len(w.queues[0]) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, w.Enqueue(ctx, Write{KeyValue: &KeyValueRecord{Key: "b"}}))

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := w.Enqueue(blocked, Write{KeyValue: &KeyValueRecord{Key: "c"}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(store.gate)
	w.Close()
	assert.Equal(t, []string{"kv:a:0", "kv:b:0"}, store.writes())
}

func TestWriterKeepsGoingAfterStoreFailure(t *testing.T) {
	store := newRecordingStore()
	store.failKey = "bad"
	w := NewWriter(store, WriterOptions{Partitions: 1})
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.Enqueue(ctx, Write{KeyValue: &KeyValueRecord{Key: "bad"}}))
	require.NoError(t, w.Enqueue(ctx, Write{KeyValue: &KeyValueRecord{Key: "good", Revision: 3}}))
	require.NoError(t, w.Flush(ctx))

	assert.Equal(t, []string{"kv:good:3"}, store.writes())
}

func TestWriterClosed(t *testing.T) {
	w := NewWriter(newRecordingStore(), WriterOptions{})
	assert.Equal(t, 8, w.Partitions())
	w.Close()
	w.Close()

	err := w.Enqueue(context.Background(), Write{KeyValue: &KeyValueRecord{Key: "k"}})
	assert.ErrorIs(t, err, types.ErrWriterClosed)
	assert.ErrorIs(t, w.Flush(context.Background()), types.ErrWriterClosed)
}

func TestWriterNegativePartition(t *testing.T) {
	w := NewWriter(newRecordingStore(), WriterOptions{Partitions: 3})
	defer w.Close()
	assert.Equal(t, 1, w.slot(-4))
	assert.Equal(t, 2, w.slot(5))
}

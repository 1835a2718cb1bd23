package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRaftStorage(t *testing.T) {
	stores, err := NewRaftStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	assert.NotNil(t, stores.LogStore)
	assert.NotNil(t, stores.StableStore)
	assert.NotNil(t, stores.SnapshotStore)
}

func TestRaftLogStore(t *testing.T) {
	stores, err := NewRaftStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	log := &raft.Log{
		Index: 1,
		Term:  1,
		Type:  raft.LogCommand,
		Data:  []byte("replicated proposal"),
	}
	require.NoError(t, stores.LogStore.StoreLog(log))

	retrieved := &raft.Log{}
	require.NoError(t, stores.LogStore.GetLog(1, retrieved))

	assert.Equal(t, uint64(1), retrieved.Index)
	assert.Equal(t, uint64(1), retrieved.Term)
	assert.Equal(t, []byte("replicated proposal"), retrieved.Data)
}

func TestRaftSnapshotStore(t *testing.T) {
	stores, err := NewRaftStorage(t.TempDir(), nil)
	require.NoError(t, err)
	defer stores.Close()

	sink, err := stores.SnapshotStore.Create(
		raft.SnapshotVersionMax,
		100, // last included index
		1,   // last included term
		raft.Configuration{},
		1,   // configuration index
		nil, // transport
	)
	require.NoError(t, err)

	_, err = sink.Write([]byte(`{"kv":{"key":"k","revision":0}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	snapshots, err := stores.SnapshotStore.List()
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, uint64(100), snapshots[0].Index)
	assert.Equal(t, uint64(1), snapshots[0].Term)
}

func TestRaftStoragePersistence(t *testing.T) {
	dir := t.TempDir()

	stores1, err := NewRaftStorage(dir, nil)
	require.NoError(t, err)
	require.NoError(t, stores1.StableStore.SetUint64([]byte("currentTerm"), 42))
	stores1.Close()

	//reopen
	stores2, err := NewRaftStorage(dir, nil)
	require.NoError(t, err)
	defer stores2.Close()

	term, err := stores2.StableStore.GetUint64([]byte("currentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), term)
}

func TestRaftStorageRejectsFileAsDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := NewRaftStorage(path, nil)
	assert.ErrorContains(t, err, "create raft dir")
}

func TestRaftStorageLayout(t *testing.T) {
	dir := t.TempDir()
	stores, err := NewRaftStorage(dir, nil)
	require.NoError(t, err)
	require.NoError(t, stores.Close())

	assert.FileExists(t, filepath.Join(dir, raftLogFile))
	assert.DirExists(t, filepath.Join(dir, snapshotDir))
}

package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

const (
	raftLogFile    = "raft.db"
	snapshotDir    = "snapshots"
	snapshotRetain = 3
)

// raft's own persistence, kept apart from the state.db Store
// the log and the stable values (term, vote) share one bolt file,
// snapshots hold exported Store contents
type RaftStorage struct {
	LogStore      raft.LogStore
	StableStore   raft.StableStore
	SnapshotStore raft.SnapshotStore

	bolt *raftboltdb.BoltStore
}

func NewRaftStorage(dataDir string, logger hclog.Logger) (*RaftStorage, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft dir: %w", err)
	}

	bolt, err := raftboltdb.New(raftboltdb.Options{Path: filepath.Join(dataDir, raftLogFile)})
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}

	snaps, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(dataDir, snapshotDir), snapshotRetain, logger)
	if err != nil {
		bolt.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	return &RaftStorage{
		LogStore:      bolt,
		StableStore:   bolt,
		SnapshotStore: snaps,
		bolt:          bolt,
	}, nil
}

func (s *RaftStorage) Close() error {
	return s.bolt.Close()
}

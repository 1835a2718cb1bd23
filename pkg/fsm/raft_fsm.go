package fsm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/storage"
)

// how long a snapshot may wait for queued writes to land
const snapshotFlushTimeout = 30 * time.Second

// adapter to bridge Raft FSM with our internal FSM
// the durable store is the replicated state, snapshots are an export of it
type RaftFSM struct {
	fsm   *FSM
	store storage.Store
	log   hclog.Logger
}

func NewRaftFSM(fsm *FSM, store storage.Store, logger hclog.Logger) *RaftFSM {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &RaftFSM{
		fsm:   fsm,
		store: store,
		log:   logger,
	}
}

// result handed back through raft.ApplyFuture.Response
type ApplyResult struct {
	Index     uint64
	Partition int
	Key       string
}

func (rf *RaftFSM) Apply(log *raft.Log) any {
	if log.Type != raft.LogCommand {
		return nil
	}

	msg, err := rf.fsm.Apply(context.Background(), log.Data)
	if err != nil {
		rf.log.Warn("rejected raft entry", "index", log.Index, "term", log.Term, "error", err)
		return err
	}

	metrics.RaftAppliedIndex.Set(float64(log.Index))

	return ApplyResult{Index: log.Index, Partition: msg.Partition, Key: msg.Key}
}

// raft calls this from the FSM goroutine, so no Apply runs concurrently:
// flushing the writer first makes the export cover every applied entry
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), snapshotFlushTimeout)
	defer cancel()

	if err := rf.fsm.writer.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush writer: %w", err)
	}

	var buf bytes.Buffer
	if err := rf.store.Export(ctx, &buf); err != nil {
		return nil, fmt.Errorf("export store: %w", err)
	}

	rf.log.Debug("snapshot taken", "bytes", buf.Len())

	return &fsmSnapshot{data: buf.Bytes()}, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	ctx := context.Background()

	//queued writes are older than the snapshot, let them land before importing
	if err := rf.fsm.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush writer: %w", err)
	}

	if err := rf.store.Import(ctx, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}

	rf.log.Info("restored state from snapshot")
	return nil
}

// point-in-time export of the durable store
type fsmSnapshot struct {
	data []byte
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

func (s *fsmSnapshot) Release() {}

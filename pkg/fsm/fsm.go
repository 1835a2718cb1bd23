package fsm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/replication"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
)

// background writer seen from the apply path
type Persister interface {
	Enqueue(ctx context.Context, write storage.Write) error
	Flush(ctx context.Context) error
}

// applies committed replication entries on every node
// critical :
// - entries reach the writer in log order, so the store converges to the leader's state
// - the local clock never lags behind a committed entry's timestamp
type FSM struct {
	clock  *hlc.Clock
	writer Persister
	log    hclog.Logger

	applied atomic.Uint64
	failed  atomic.Uint64
}

func NewFSM(clock *hlc.Clock, writer Persister, logger hclog.Logger) *FSM {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FSM{
		clock:  clock,
		writer: writer,
		log:    logger,
	}
}

// applies one encoded entry
func (f *FSM) Apply(ctx context.Context, data []byte) (replication.Message, error) {
	msg, err := replication.Unmarshal(data)
	if err != nil {
		f.failed.Add(1)
		return replication.Message{}, err
	}

	f.clock.Merge(msg.Time)

	if err := f.writer.Enqueue(ctx, msg.Write()); err != nil {
		f.failed.Add(1)
		f.log.Error("failed to queue committed entry", "kind", msg.Kind, "key", msg.Key, "partition", msg.Partition, "error", err)
		return msg, fmt.Errorf("queue committed entry: %w", err)
	}

	f.applied.Add(1)
	return msg, nil
}

// entries applied since start
func (f *FSM) Applied() uint64 {
	return f.applied.Load()
}

// entries rejected since start
func (f *FSM) Failed() uint64 {
	return f.failed.Load()
}

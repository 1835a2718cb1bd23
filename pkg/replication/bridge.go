// Package replication turns actor proposals into consensus log entries and
// gates local mutation on their commit.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/shard"
	"github.com/pixperk/tessera/pkg/storage"
	"github.com/pixperk/tessera/pkg/types"
)

// seed of the partition hash space, independent from the shard-actor hash
const partitionSeed = "partition"

// consensus partition owning key
func PartitionKey(key string, partitions int) int {
	return shard.Index(key, partitions, partitionSeed)
}

// log replication offered by the consensus service
type Consensus interface {
	// false when clustering is disabled
	Joined() bool
	PartitionKey(key string) int
	// returns once the entry is committed and applied, or with the reason it was not
	ReplicateLog(ctx context.Context, partition int, payload []byte) (uint64, error)
}

// sink for committed writes (storage.Writer)
type Persister interface {
	Enqueue(ctx context.Context, write storage.Write) error
}

// consensus stand-in for a node running without a cluster
type Standalone struct {
	Partitions int
}

func (s Standalone) Joined() bool { return false }

func (s Standalone) PartitionKey(key string) int {
	return PartitionKey(key, s.Partitions)
}

func (s Standalone) ReplicateLog(context.Context, int, []byte) (uint64, error) {
	return 0, nil
}

// bridge between the shard actors and the consensus service
// when joined, the raft apply path of every node (leader included) persists the entry;
// when standalone the bridge hands the write to the persister itself
type Bridge struct {
	consensus Consensus
	persister Persister
	log       hclog.Logger
}

func NewBridge(consensus Consensus, persister Persister, logger hclog.Logger) *Bridge {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Bridge{
		consensus: consensus,
		persister: persister,
		log:       logger,
	}
}

// replicates a lock proposal, nil means the caller may apply it
func (b *Bridge) CommitLock(ctx context.Context, op types.LockRequestType, p types.LockProposal) error {
	return b.commit(ctx, LockMessage(op, p, types.TierLinearizable))
}

// replicates a key-value proposal, nil means the caller may apply it
func (b *Bridge) CommitKeyValue(ctx context.Context, op types.KeyValueRequestType, p types.KeyValueProposal) error {
	return b.commit(ctx, KeyValueMessage(op, p, types.TierLinearizable))
}

func (b *Bridge) commit(ctx context.Context, msg Message) error {
	msg.Partition = b.consensus.PartitionKey(msg.Key)
	kind := msg.Kind.String()

	//the external call has not started yet, so cancellation is still safe
	if err := ctx.Err(); err != nil {
		return err
	}

	if !b.consensus.Joined() {
		if err := b.persister.Enqueue(ctx, msg.Write()); err != nil {
			return fmt.Errorf("queue durable write: %w", err)
		}
		return nil
	}

	start := time.Now()
	index, err := b.consensus.ReplicateLog(ctx, msg.Partition, msg.Marshal())
	metrics.ReplicationDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ReplicationTotal.WithLabelValues(kind, "failure").Inc()
		b.log.Warn("failed to replicate proposal", "kind", kind, "key", msg.Key, "partition", msg.Partition, "error", err)
		return fmt.Errorf("%w: %w", types.ErrReplicationFailed, err)
	}

	metrics.ReplicationTotal.WithLabelValues(kind, "success").Inc()
	b.log.Trace("proposal committed", "kind", kind, "key", msg.Key, "partition", msg.Partition, "index", index)

	return nil
}

// Package replicationtest provides an in-process consensus service for tests.
package replicationtest

import (
	"context"
	"errors"
	"sync"

	"github.com/pixperk/tessera/pkg/replication"
)

var ErrQuorumLost = errors.New("quorum lost")

// Consensus commits every entry immediately unless told to fail
// OnApply mimics the raft apply callback that runs on every node after commit
type Consensus struct {
	Partitions int
	OnApply    func(payload []byte) error

	mu       sync.Mutex
	fail     error
	index    uint64
	payloads [][]byte
}

func New(partitions int) *Consensus {
	return &Consensus{Partitions: partitions}
}

// makes subsequent replications fail with err, nil restores success
func (c *Consensus) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

func (c *Consensus) Joined() bool { return true }

func (c *Consensus) PartitionKey(key string) int {
	return replication.PartitionKey(key, c.Partitions)
}

func (c *Consensus) ReplicateLog(ctx context.Context, _ int, payload []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.fail != nil {
		err := c.fail
		c.mu.Unlock()
		return 0, err
	}
	c.index++
	index := c.index
	c.payloads = append(c.payloads, append([]byte(nil), payload...))
	apply := c.OnApply
	c.mu.Unlock()

	if apply != nil {
		if err := apply(payload); err != nil {
			return 0, err
		}
	}
	return index, nil
}

// decoded copies of every committed entry, in commit order
func (c *Consensus) Committed() []replication.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]replication.Message, 0, len(c.payloads))
	for _, p := range c.payloads {
		m, err := replication.Unmarshal(p)
		if err == nil {
			out = append(out, m)
		}
	}
	return out
}

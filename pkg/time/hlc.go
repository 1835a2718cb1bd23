package time

import (
	"fmt"
	"sync"
	"time"
)

// hybrid logical clock timestamp
// physical is wall time in milliseconds, logical breaks ties within the same millisecond
// timestamps are totally ordered: first by physical, then by logical
type Timestamp struct {
	Physical int64  `json:"physical"`
	Logical  uint32 `json:"logical"`
}

// zero timestamp, used as "never" for expirations
var Zero = Timestamp{}

func (t Timestamp) IsZero() bool {
	return t.Physical == 0 && t.Logical == 0
}

// returns -1, 0 or +1
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Physical < o.Physical:
		return -1
	case t.Physical > o.Physical:
		return 1
	case t.Logical < o.Logical:
		return -1
	case t.Logical > o.Logical:
		return 1
	default:
		return 0
	}
}

func (t Timestamp) Before(o Timestamp) bool { return t.Compare(o) < 0 }

func (t Timestamp) After(o Timestamp) bool { return t.Compare(o) > 0 }

// shifts the physical component, logical counter is kept
func (t Timestamp) Add(d time.Duration) Timestamp {
	return Timestamp{Physical: t.Physical + d.Milliseconds(), Logical: t.Logical}
}

// physical distance between two timestamps
func (t Timestamp) Sub(o Timestamp) time.Duration {
	return time.Duration(t.Physical-o.Physical) * time.Millisecond
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d:%d", t.Physical, t.Logical)
}

// source of physical time in milliseconds
type PhysicalClock func() int64

func wallClock() int64 {
	return time.Now().UnixMilli()
}

// clock is a hybrid logical clock shared by every actor on the node
// all expiry checks and replication causality go through it, never through wall time directly
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	physical PhysicalClock
}

func NewClock() *Clock {
	return NewClockWithPhysical(wallClock)
}

// clock driven by a custom physical source (tests use a manual one)
func NewClockWithPhysical(physical PhysicalClock) *Clock {
	return &Clock{physical: physical}
}

// advances the clock for a local or send event
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.physical()
	if pt > c.last.Physical {
		c.last = Timestamp{Physical: pt}
	} else {
		c.last.Logical++
	}

	return c.last
}

// merges a timestamp received from a remote node
// the result is strictly greater than both the local state and the remote timestamp
func (c *Clock) Merge(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	pt := c.physical()
	switch {
	case pt > c.last.Physical && pt > remote.Physical:
		c.last = Timestamp{Physical: pt}
	case c.last.Physical == remote.Physical:
		logical := c.last.Logical
		if remote.Logical > logical {
			logical = remote.Logical
		}
		c.last.Logical = logical + 1
	case c.last.Physical > remote.Physical:
		c.last.Logical++
	default:
		c.last = Timestamp{Physical: remote.Physical, Logical: remote.Logical + 1}
	}

	return c.last
}

// last issued timestamp without advancing the clock
func (c *Clock) Peek() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

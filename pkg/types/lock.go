package types

import (
	hlc "github.com/pixperk/tessera/pkg/time"
)

// persisted state of a lock record
type LockState int

const (
	LockStateLocked LockState = iota
	LockStateUnlocked
)

// in-memory state of a lock owned by one shard actor
// the record is never deleted, so the fencing token survives unlock and takeover
// fencing token is non-decreasing and bumped on every new acquisition
type LockContext struct {
	Owner        string //empty when unheld
	FencingToken int64
	Expires      hlc.Timestamp
}

// expired locks are effectively unheld even if the owner was never cleared
func (c *LockContext) IsExpired(now hlc.Timestamp) bool {
	return c.Expires.Before(now)
}

// read-only view returned by GetLock
type ReadOnlyLockContext struct {
	Owner        string
	Expires      hlc.Timestamp
	FencingToken int64
}

// candidate next state of a lock, built before replication
// it only becomes the live context once replication succeeded
type LockProposal struct {
	Resource     string
	Owner        string
	FencingToken int64
	Expires      hlc.Timestamp
	Timestamp    hlc.Timestamp
	State        LockState
}

// applies the proposal to the live context
func (p LockProposal) ApplyTo(c *LockContext) {
	c.Owner = p.Owner
	c.FencingToken = p.FencingToken
	c.Expires = p.Expires
}

// outcome of a lock operation
type LockResponseType int

const (
	LockResponseLocked LockResponseType = iota
	LockResponseBusy
	LockResponseExtended
	LockResponseUnlocked
	LockResponseGot
	LockResponseErrored
	LockResponseInvalidInput
	LockResponseMustRetry
	LockResponseDoesNotExist
)

func (r LockResponseType) String() string {
	switch r {
	case LockResponseLocked:
		return "locked"
	case LockResponseBusy:
		return "busy"
	case LockResponseExtended:
		return "extended"
	case LockResponseUnlocked:
		return "unlocked"
	case LockResponseGot:
		return "got"
	case LockResponseErrored:
		return "errored"
	case LockResponseInvalidInput:
		return "invalid_input"
	case LockResponseMustRetry:
		return "must_retry"
	case LockResponseDoesNotExist:
		return "does_not_exist"
	default:
		return "unknown"
	}
}

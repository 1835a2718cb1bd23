package types

import "time"

// type of lock request handled by a lock actor
type LockRequestType uint

const (
	LockRequestTryLock LockRequestType = iota + 1
	LockRequestTryExtend
	LockRequestTryUnlock
	LockRequestGet
	// drops every cached record of the actor, never replicated
	LockRequestForget
)

func (t LockRequestType) String() string {
	switch t {
	case LockRequestTryLock:
		return "try_lock"
	case LockRequestTryExtend:
		return "try_extend_lock"
	case LockRequestTryUnlock:
		return "try_unlock"
	case LockRequestGet:
		return "get_lock"
	case LockRequestForget:
		return "forget"
	default:
		return "unknown"
	}
}

// message sent to a lock actor
type LockRequest struct {
	Type     LockRequestType
	Resource string
	Owner    string
	TTL      time.Duration
	Tier     Tier
}

// reply from a lock actor
type LockResponse struct {
	Type         LockResponseType
	FencingToken int64
	Context      *ReadOnlyLockContext //set for LockRequestGet
}

type KeyValueRequestType uint

const (
	KeyValueRequestTrySet KeyValueRequestType = iota + 1
	KeyValueRequestTryExtend
	KeyValueRequestTryDelete
	KeyValueRequestTryGet
	KeyValueRequestForget
)

func (t KeyValueRequestType) String() string {
	switch t {
	case KeyValueRequestTrySet:
		return "try_set"
	case KeyValueRequestTryExtend:
		return "try_extend"
	case KeyValueRequestTryDelete:
		return "try_delete"
	case KeyValueRequestTryGet:
		return "try_get"
	case KeyValueRequestForget:
		return "forget"
	default:
		return "unknown"
	}
}

// message sent to a key-value actor
type KeyValueRequest struct {
	Type            KeyValueRequestType
	Key             string
	Value           []byte
	CompareValue    []byte
	CompareRevision int64
	Flags           KeyValueFlags
	TTL             time.Duration //zero means no expiry
	Tier            Tier
}

type KeyValueResponse struct {
	Type     KeyValueResponseType
	Revision int64
	Context  *ReadOnlyKeyValueContext //set for KeyValueRequestTryGet
}

package types

import (
	"bytes"

	hlc "github.com/pixperk/tessera/pkg/time"
)

type KeyValueState int

const (
	KeyValueSet KeyValueState = iota
	// tombstone: value cleared, revision retained, record stays resident
	KeyValueDeleted
)

// in-memory state of a key-value owned by one shard actor
// revision starts at -1 so the first successful set produces revision 0
type KeyValueContext struct {
	Value    []byte
	Revision int64
	Expires  hlc.Timestamp //zero means the key never expires
	LastUsed hlc.Timestamp
	State    KeyValueState
}

func NewKeyValueContext() *KeyValueContext {
	return &KeyValueContext{Revision: -1}
}

func (c *KeyValueContext) IsExpired(now hlc.Timestamp) bool {
	return !c.Expires.IsZero() && c.Expires.Before(now)
}

// a record exists when it is set and not expired
func (c *KeyValueContext) Exists(now hlc.Timestamp) bool {
	return c != nil && c.State != KeyValueDeleted && !c.IsExpired(now)
}

type ReadOnlyKeyValueContext struct {
	Value    []byte
	Revision int64
	Expires  hlc.Timestamp
}

type KeyValueProposal struct {
	Key       string
	Value     []byte
	Revision  int64
	Expires   hlc.Timestamp
	Timestamp hlc.Timestamp
	State     KeyValueState
}

func (p KeyValueProposal) ApplyTo(c *KeyValueContext) {
	c.Value = p.Value
	c.Revision = p.Revision
	c.Expires = p.Expires
	c.LastUsed = p.Timestamp
	c.State = p.State
}

// guard evaluated by TrySet
type KeyValueFlags int

const (
	SetAlways KeyValueFlags = iota
	SetIfExists
	SetIfNotExists
	SetIfEqualToValue
	SetIfEqualToRevision
)

func (f KeyValueFlags) Valid() bool {
	return f >= SetAlways && f <= SetIfEqualToRevision
}

// reports whether a set is allowed given the current record
// exists must already account for tombstones and expiry
func (f KeyValueFlags) Allows(exists bool, current *KeyValueContext, compareValue []byte, compareRevision int64) bool {
	switch f {
	case SetIfExists:
		return exists
	case SetIfNotExists:
		return !exists
	case SetIfEqualToValue:
		return exists && bytes.Equal(current.Value, compareValue)
	case SetIfEqualToRevision:
		return exists && current.Revision == compareRevision
	default:
		return true
	}
}

type KeyValueResponseType int

const (
	KeyValueResponseSet KeyValueResponseType = iota
	KeyValueResponseNotSet
	KeyValueResponseExtended
	KeyValueResponseGot
	KeyValueResponseDeleted
	KeyValueResponseDoesNotExist
	KeyValueResponseErrored
	KeyValueResponseInvalidInput
	KeyValueResponseMustRetry
)

func (r KeyValueResponseType) String() string {
	switch r {
	case KeyValueResponseSet:
		return "set"
	case KeyValueResponseNotSet:
		return "not_set"
	case KeyValueResponseExtended:
		return "extended"
	case KeyValueResponseGot:
		return "got"
	case KeyValueResponseDeleted:
		return "deleted"
	case KeyValueResponseDoesNotExist:
		return "does_not_exist"
	case KeyValueResponseErrored:
		return "errored"
	case KeyValueResponseInvalidInput:
		return "invalid_input"
	case KeyValueResponseMustRetry:
		return "must_retry"
	default:
		return "unknown"
	}
}

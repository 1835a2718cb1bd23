package replication

import (
	"fmt"

	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// what a replicated entry describes
type Kind uint8

const (
	KindLock Kind = iota + 1
	KindKeyValue
)

func (k Kind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindKeyValue:
		return "keyvalue"
	default:
		return "unknown"
	}
}

// replicated form of a proposal
// encoded in protobuf wire format so entries stay readable by any protobuf tooling
type Message struct {
	Kind      Kind
	Op        uint32 // LockRequestType or KeyValueRequestType
	Partition int
	Key       string
	Owner     string
	Value     []byte
	Version   int64 // fencing token for locks, revision for key-values
	Expires   hlc.Timestamp
	Time      hlc.Timestamp
	Tier      types.Tier
	State     int32
}

// field numbers, never reuse
const (
	fieldKind            protowire.Number = 1
	fieldOp              protowire.Number = 2
	fieldPartition       protowire.Number = 3
	fieldKey             protowire.Number = 4
	fieldOwner           protowire.Number = 5
	fieldValue           protowire.Number = 6
	fieldVersion         protowire.Number = 7
	fieldExpiresPhysical protowire.Number = 8
	fieldExpiresLogical  protowire.Number = 9
	fieldTimePhysical    protowire.Number = 10
	fieldTimeLogical     protowire.Number = 11
	fieldTier            protowire.Number = 12
	fieldState           protowire.Number = 13
)

func LockMessage(op types.LockRequestType, p types.LockProposal, tier types.Tier) Message {
	return Message{
		Kind:    KindLock,
		Op:      uint32(op),
		Key:     p.Resource,
		Owner:   p.Owner,
		Version: p.FencingToken,
		Expires: p.Expires,
		Time:    p.Timestamp,
		Tier:    tier,
		State:   int32(p.State),
	}
}

func KeyValueMessage(op types.KeyValueRequestType, p types.KeyValueProposal, tier types.Tier) Message {
	return Message{
		Kind:    KindKeyValue,
		Op:      uint32(op),
		Key:     p.Key,
		Value:   p.Value,
		Version: p.Revision,
		Expires: p.Expires,
		Time:    p.Timestamp,
		Tier:    tier,
		State:   int32(p.State),
	}
}

func (m Message) Marshal() []byte {
	b := make([]byte, 0, 64+len(m.Key)+len(m.Owner)+len(m.Value))

	b = appendVarint(b, fieldKind, uint64(m.Kind))
	b = appendVarint(b, fieldOp, uint64(m.Op))
	b = appendVarint(b, fieldPartition, protowire.EncodeZigZag(int64(m.Partition)))
	b = appendBytes(b, fieldKey, []byte(m.Key))
	b = appendBytes(b, fieldOwner, []byte(m.Owner))
	b = appendBytes(b, fieldValue, m.Value)
	b = appendVarint(b, fieldVersion, protowire.EncodeZigZag(m.Version))
	b = appendVarint(b, fieldExpiresPhysical, protowire.EncodeZigZag(m.Expires.Physical))
	b = appendVarint(b, fieldExpiresLogical, uint64(m.Expires.Logical))
	b = appendVarint(b, fieldTimePhysical, protowire.EncodeZigZag(m.Time.Physical))
	b = appendVarint(b, fieldTimeLogical, uint64(m.Time.Logical))
	b = appendVarint(b, fieldTier, uint64(m.Tier))
	b = appendVarint(b, fieldState, protowire.EncodeZigZag(int64(m.State)))

	return b
}

func Unmarshal(data []byte) (Message, error) {
	var m Message

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", types.ErrMalformedMessage, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", types.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			data = data[n:]
			m.setVarint(num, v)

		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", types.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			data = data[n:]
			m.setBytes(num, v)

		default:
			//unknown field from a newer writer, skip it
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", types.ErrMalformedMessage, num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if m.Kind != KindLock && m.Kind != KindKeyValue {
		return Message{}, fmt.Errorf("%w: kind %d", types.ErrMalformedMessage, m.Kind)
	}
	return m, nil
}

func (m *Message) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldKind:
		m.Kind = Kind(v)
	case fieldOp:
		m.Op = uint32(v)
	case fieldPartition:
		m.Partition = int(protowire.DecodeZigZag(v))
	case fieldVersion:
		m.Version = protowire.DecodeZigZag(v)
	case fieldExpiresPhysical:
		m.Expires.Physical = protowire.DecodeZigZag(v)
	case fieldExpiresLogical:
		m.Expires.Logical = uint32(v)
	case fieldTimePhysical:
		m.Time.Physical = protowire.DecodeZigZag(v)
	case fieldTimeLogical:
		m.Time.Logical = uint32(v)
	case fieldTier:
		m.Tier = types.Tier(v)
	case fieldState:
		m.State = int32(protowire.DecodeZigZag(v))
	}
}

func (m *Message) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldKey:
		m.Key = string(v)
	case fieldOwner:
		m.Owner = string(v)
	case fieldValue:
		m.Value = append([]byte(nil), v...)
	}
}

// durable write for the committed entry
func (m Message) Write() storage.Write {
	w := storage.Write{Partition: m.Partition}

	switch m.Kind {
	case KindLock:
		w.Lock = &storage.LockRecord{
			Resource:     m.Key,
			Owner:        m.Owner,
			FencingToken: m.Version,
			Expires:      m.Expires,
			Tier:         m.Tier,
			State:        types.LockState(m.State),
		}
	case KindKeyValue:
		w.KeyValue = &storage.KeyValueRecord{
			Key:      m.Key,
			Value:    m.Value,
			Revision: m.Version,
			Expires:  m.Expires,
			Tier:     m.Tier,
			State:    types.KeyValueState(m.State),
		}
	}

	return w
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

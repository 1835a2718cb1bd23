// Package v1 holds the tessera.v1.Coordinator gRPC service: its messages,
// service descriptor and client.
package v1

import (
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
)

// metadata key set on requests a node forwards to the leader
const ForwardedHeader = "x-tessera-forwarded"

type TryLockRequest struct {
	Resource string     `json:"resource"`
	Owner    string     `json:"owner"`
	TtlMs    int64      `json:"ttl_ms"`
	Tier     types.Tier `json:"tier"`
}

type TryLockResponse struct {
	Type         types.LockResponseType `json:"type"`
	FencingToken int64                  `json:"fencing_token"`
	ServedFrom   string                 `json:"served_from,omitempty"`
}

type TryExtendLockRequest struct {
	Resource string     `json:"resource"`
	Owner    string     `json:"owner"`
	TtlMs    int64      `json:"ttl_ms"`
	Tier     types.Tier `json:"tier"`
}

type TryExtendLockResponse struct {
	Type         types.LockResponseType `json:"type"`
	FencingToken int64                  `json:"fencing_token"`
	ServedFrom   string                 `json:"served_from,omitempty"`
}

type TryUnlockRequest struct {
	Resource string     `json:"resource"`
	Owner    string     `json:"owner"`
	Tier     types.Tier `json:"tier"`
}

type TryUnlockResponse struct {
	Type         types.LockResponseType `json:"type"`
	FencingToken int64                  `json:"fencing_token"`
	ServedFrom   string                 `json:"served_from,omitempty"`
}

type GetLockRequest struct {
	Resource string     `json:"resource"`
	Tier     types.Tier `json:"tier"`
}

type GetLockResponse struct {
	Type         types.LockResponseType `json:"type"`
	Owner        string                 `json:"owner,omitempty"`
	FencingToken int64                  `json:"fencing_token"`
	Expires      hlc.Timestamp          `json:"expires"`
	ServedFrom   string                 `json:"served_from,omitempty"`
}

type TrySetKeyValueRequest struct {
	Key             string              `json:"key"`
	Value           []byte              `json:"value,omitempty"`
	CompareValue    []byte              `json:"compare_value,omitempty"`
	CompareRevision int64               `json:"compare_revision"`
	Flags           types.KeyValueFlags `json:"flags"`
	TtlMs           int64               `json:"ttl_ms"` // 0 = no expiry
	Tier            types.Tier          `json:"tier"`
}

type TrySetKeyValueResponse struct {
	Type       types.KeyValueResponseType `json:"type"`
	Revision   int64                      `json:"revision"`
	ServedFrom string                     `json:"served_from,omitempty"`
}

type TryExtendKeyValueRequest struct {
	Key   string     `json:"key"`
	TtlMs int64      `json:"ttl_ms"`
	Tier  types.Tier `json:"tier"`
}

type TryExtendKeyValueResponse struct {
	Type       types.KeyValueResponseType `json:"type"`
	Revision   int64                      `json:"revision"`
	ServedFrom string                     `json:"served_from,omitempty"`
}

type TryDeleteKeyValueRequest struct {
	Key  string     `json:"key"`
	Tier types.Tier `json:"tier"`
}

type TryDeleteKeyValueResponse struct {
	Type       types.KeyValueResponseType `json:"type"`
	Revision   int64                      `json:"revision"`
	ServedFrom string                     `json:"served_from,omitempty"`
}

type TryGetKeyValueRequest struct {
	Key  string     `json:"key"`
	Tier types.Tier `json:"tier"`
}

type TryGetKeyValueResponse struct {
	Type       types.KeyValueResponseType `json:"type"`
	Value      []byte                     `json:"value,omitempty"`
	Revision   int64                      `json:"revision"`
	Expires    hlc.Timestamp              `json:"expires"`
	ServedFrom string                     `json:"served_from,omitempty"`
}

type GetStatusRequest struct{}

type ResidentCounts struct {
	EphemeralLocks      int64 `json:"ephemeral_locks"`
	ConsistentLocks     int64 `json:"consistent_locks"`
	EphemeralKeyValues  int64 `json:"ephemeral_keyvalues"`
	ConsistentKeyValues int64 `json:"consistent_keyvalues"`
}

type GetStatusResponse struct {
	NodeId        string         `json:"node_id"`
	IsLeader      bool           `json:"is_leader"`
	LeaderId      string         `json:"leader_id,omitempty"`
	LeaderAddress string         `json:"leader_address,omitempty"`
	State         string         `json:"state"`
	Partitions    int32          `json:"partitions"`
	Term          uint64         `json:"term"`
	AppliedIndex  uint64         `json:"applied_index"`
	Resident      ResidentCounts `json:"resident"`
}

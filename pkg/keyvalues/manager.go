// Package keyvalues implements the conditional-write key-value store served by
// sharded actors, one actor pool per tier.
package keyvalues

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/shard"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
)

type Options struct {
	Workers     int
	MailboxSize int
	Eviction    EvictionPolicy
	Logger      hclog.Logger
}

// guard evaluated against the current record by TrySetKeyValue
type Condition struct {
	Flags    types.KeyValueFlags
	Value    []byte
	Revision int64
}

func Always() Condition      { return Condition{Flags: types.SetAlways} }
func IfExists() Condition    { return Condition{Flags: types.SetIfExists} }
func IfNotExists() Condition { return Condition{Flags: types.SetIfNotExists} }

func IfValue(v []byte) Condition {
	return Condition{Flags: types.SetIfEqualToValue, Value: v}
}

func IfRevision(rev int64) Condition {
	return Condition{Flags: types.SetIfEqualToRevision, Revision: rev}
}

type router = shard.Router[types.KeyValueRequest, types.KeyValueResponse]

type Manager struct {
	ephemeral  *router
	consistent *router
	actors     map[types.Tier][]*Actor
	log        hclog.Logger
}

func NewManager(clock *hlc.Clock, bridge Committer, loader Loader, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	m := &Manager{
		actors: make(map[types.Tier][]*Actor),
		log:    opts.Logger,
	}

	spawn := func(tier types.Tier, name string) *router {
		return shard.New(shard.Options{
			Name:        name,
			Workers:     opts.Workers,
			MailboxSize: opts.MailboxSize,
			Logger:      opts.Logger,
		}, func(i int) shard.Actor[types.KeyValueRequest, types.KeyValueResponse] {
			a := NewActor(fmt.Sprintf("%s-%d", name, i), tier, clock, bridge, loader, opts.Eviction, opts.Logger)
			m.actors[tier] = append(m.actors[tier], a)
			return a
		})
	}

	m.ephemeral = spawn(types.TierEphemeral, "ephemeral-keyvalues")
	m.consistent = spawn(types.TierLinearizable, "consistent-keyvalues")

	return m
}

// ttl of zero stores the key without expiry
func (m *Manager) TrySetKeyValue(ctx context.Context, key string, value []byte, ttl time.Duration, cond Condition, tier types.Tier) (types.KeyValueResponseType, int64) {
	resp := m.ask(ctx, types.KeyValueRequest{
		Type:            types.KeyValueRequestTrySet,
		Key:             key,
		Value:           value,
		CompareValue:    cond.Value,
		CompareRevision: cond.Revision,
		Flags:           cond.Flags,
		TTL:             ttl,
		Tier:            tier,
	})
	return resp.Type, resp.Revision
}

func (m *Manager) TryExtendKeyValue(ctx context.Context, key string, ttl time.Duration, tier types.Tier) (types.KeyValueResponseType, int64) {
	resp := m.ask(ctx, types.KeyValueRequest{
		Type: types.KeyValueRequestTryExtend,
		Key:  key,
		TTL:  ttl,
		Tier: tier,
	})
	return resp.Type, resp.Revision
}

func (m *Manager) TryDeleteKeyValue(ctx context.Context, key string, tier types.Tier) (types.KeyValueResponseType, int64) {
	resp := m.ask(ctx, types.KeyValueRequest{
		Type: types.KeyValueRequestTryDelete,
		Key:  key,
		Tier: tier,
	})
	return resp.Type, resp.Revision
}

func (m *Manager) TryGetKeyValue(ctx context.Context, key string, tier types.Tier) (types.KeyValueResponseType, *types.ReadOnlyKeyValueContext) {
	resp := m.ask(ctx, types.KeyValueRequest{
		Type: types.KeyValueRequestTryGet,
		Key:  key,
		Tier: tier,
	})
	return resp.Type, resp.Context
}

// key-value records held in memory for a tier, tombstones included
func (m *Manager) Resident(tier types.Tier) int {
	total := 0
	for _, a := range m.actors[tier] {
		total += a.Resident()
	}
	return total
}

// drops every cached consistent-tier key-value, see locks.Manager.ForgetConsistent
func (m *Manager) ForgetConsistent(ctx context.Context) error {
	_, err := m.consistent.Broadcast(ctx, types.KeyValueRequest{Type: types.KeyValueRequestForget, Tier: types.TierLinearizable})
	return err
}

func (m *Manager) Close() {
	m.ephemeral.Close()
	m.consistent.Close()
}

func (m *Manager) ask(ctx context.Context, req types.KeyValueRequest) types.KeyValueResponse {
	r := m.ephemeral
	if req.Tier == types.TierLinearizable {
		r = m.consistent
	}

	resp, err := r.Ask(ctx, req.Key, req)
	if err != nil {
		m.log.Debug("key-value request not processed", "op", req.Type, "key", req.Key, "error", err)
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}
	return resp
}

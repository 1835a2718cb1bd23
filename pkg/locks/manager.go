// Package locks implements fencing-token locks served by sharded actors.
//
// Each tier gets its own pool of actors so congestion on the replicated path
// cannot starve ephemeral traffic.
package locks

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
	// actors per tier, defaults to shard.DefaultWorkers()
	Workers     int
	MailboxSize int
	Logger      hclog.Logger
}

type router = shard.Router[types.LockRequest, types.LockResponse]

type Manager struct {
	ephemeral  *router
	consistent *router
	actors     map[types.Tier][]*Actor
	log        hclog.Logger
}

// loader may be nil, then consistent locks are never rebuilt from disk
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
		}, func(i int) shard.Actor[types.LockRequest, types.LockResponse] {
			a := NewActor(fmt.Sprintf("%s-%d", name, i), tier, clock, bridge, loader, opts.Logger)
			m.actors[tier] = append(m.actors[tier], a)
			return a
		})
	}

	m.ephemeral = spawn(types.TierEphemeral, "ephemeral-locks")
	m.consistent = spawn(types.TierLinearizable, "consistent-locks")

	return m
}

func (m *Manager) TryLock(ctx context.Context, resource, owner string, ttl time.Duration, tier types.Tier) (types.LockResponseType, int64) {
	resp := m.ask(ctx, types.LockRequest{
		Type:     types.LockRequestTryLock,
		Resource: resource,
		Owner:    owner,
		TTL:      ttl,
		Tier:     tier,
	})
	return resp.Type, resp.FencingToken
}

func (m *Manager) TryExtendLock(ctx context.Context, resource, owner string, ttl time.Duration, tier types.Tier) (types.LockResponseType, int64) {
	resp := m.ask(ctx, types.LockRequest{
		Type:     types.LockRequestTryExtend,
		Resource: resource,
		Owner:    owner,
		TTL:      ttl,
		Tier:     tier,
	})
	return resp.Type, resp.FencingToken
}

func (m *Manager) TryUnlock(ctx context.Context, resource, owner string, tier types.Tier) (types.LockResponseType, int64) {
	resp := m.ask(ctx, types.LockRequest{
		Type:     types.LockRequestTryUnlock,
		Resource: resource,
		Owner:    owner,
		Tier:     tier,
	})
	return resp.Type, resp.FencingToken
}

func (m *Manager) GetLock(ctx context.Context, resource string, tier types.Tier) (types.LockResponseType, *types.ReadOnlyLockContext) {
	resp := m.ask(ctx, types.LockRequest{
		Type:     types.LockRequestGet,
		Resource: resource,
		Tier:     tier,
	})
	return resp.Type, resp.Context
}

// lock records held in memory for a tier
func (m *Manager) Resident(tier types.Tier) int {
	total := 0
	for _, a := range m.actors[tier] {
		total += a.Resident()
	}
	return total
}

// drops every cached consistent-tier lock, called when this node takes over leadership
// so state written by the previous leader is reloaded from the store
func (m *Manager) ForgetConsistent(ctx context.Context) error {
	_, err := m.consistent.Broadcast(ctx, types.LockRequest{Type: types.LockRequestForget, Tier: types.TierLinearizable})
	return err
}

func (m *Manager) Close() {
	m.ephemeral.Close()
	m.consistent.Close()
}

func (m *Manager) ask(ctx context.Context, req types.LockRequest) types.LockResponse {
	r := m.ephemeral
	if req.Tier == types.TierLinearizable {
		r = m.consistent
	}

	resp, err := r.Ask(ctx, req.Resource, req)
	if err != nil {
		m.log.Debug("lock request not processed", "op", req.Type, "resource", req.Resource, "error", err)
		return types.LockResponse{Type: types.LockResponseErrored}
	}
	return resp
}

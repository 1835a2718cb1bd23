package locks

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
)

// replication gate for consistent-tier proposals
type Committer interface {
	CommitLock(ctx context.Context, op types.LockRequestType, p types.LockProposal) error
}

// durable lookup used to rebuild state after a leader change
type Loader interface {
	GetLock(ctx context.Context, resource string) (*storage.LockRecord, bool, error)
}

// lock actor owning the locks of one shard
// critical :
// - fencing tokens never go backwards and grow on every new acquisition
// - consistent-tier proposals are applied only after they are committed
// - records are never removed, unlock only clears the owner
type Actor struct {
	name   string
	tier   types.Tier
	clock  *hlc.Clock
	bridge Committer
	loader Loader
	log    hclog.Logger

	locks    map[string]*types.LockContext // owned by the actor goroutine
	resident atomic.Int64
}

func NewActor(name string, tier types.Tier, clock *hlc.Clock, bridge Committer, loader Loader, logger hclog.Logger) *Actor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Actor{
		name:   name,
		tier:   tier,
		clock:  clock,
		bridge: bridge,
		loader: loader,
		log:    logger,
		locks:  make(map[string]*types.LockContext),
	}
}

// number of lock records held by the actor, safe to call from any goroutine
func (a *Actor) Resident() int {
	return int(a.resident.Load())
}

func (a *Actor) Receive(ctx context.Context, req types.LockRequest) (resp types.LockResponse) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("lock actor panicked", "actor", a.name, "op", req.Type, "resource", req.Resource, "panic", r)
			resp = types.LockResponse{Type: types.LockResponseErrored}
		}
		metrics.LockOperationsTotal.WithLabelValues(req.Type.String(), req.Tier.String(), resp.Type.String()).Inc()
	}()

	a.log.Trace("message", "actor", a.name, "op", req.Type, "resource", req.Resource, "owner", req.Owner, "ttl", req.TTL)

	switch req.Type {
	case types.LockRequestTryLock:
		return a.tryLock(ctx, req)
	case types.LockRequestTryExtend:
		return a.tryExtend(ctx, req)
	case types.LockRequestTryUnlock:
		return a.tryUnlock(ctx, req)
	case types.LockRequestGet:
		return a.get(ctx, req)
	case types.LockRequestForget:
		return a.forget()
	default:
		return types.LockResponse{Type: types.LockResponseErrored}
	}
}

func (a *Actor) tryLock(ctx context.Context, req types.LockRequest) types.LockResponse {
	current, err := a.resolve(ctx, req.Resource)
	if err != nil {
		return types.LockResponse{Type: types.LockResponseErrored}
	}

	now := a.clock.Now()

	proposal := types.LockProposal{
		Resource:     req.Resource,
		Owner:        req.Owner,
		FencingToken: 1,
		Expires:      now.Add(req.TTL),
		Timestamp:    now,
		State:        types.LockStateLocked,
	}

	if current != nil {
		if current.Owner != "" && !current.IsExpired(now) {
			//same owner asking again, no new acquisition
			if current.Owner == req.Owner {
				return types.LockResponse{Type: types.LockResponseLocked, FencingToken: current.FencingToken}
			}
			return types.LockResponse{Type: types.LockResponseBusy}
		}

		//expired or released: takeover
		proposal.FencingToken = current.FencingToken + 1
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.LockResponse{Type: types.LockResponseErrored}
	}

	if current == nil {
		current = a.track(req.Resource)
	}
	proposal.ApplyTo(current)

	return types.LockResponse{Type: types.LockResponseLocked, FencingToken: current.FencingToken}
}

func (a *Actor) tryExtend(ctx context.Context, req types.LockRequest) types.LockResponse {
	current, err := a.resolve(ctx, req.Resource)
	if err != nil || current == nil || current.Owner != req.Owner {
		return types.LockResponse{Type: types.LockResponseErrored}
	}

	now := a.clock.Now()

	proposal := types.LockProposal{
		Resource:     req.Resource,
		Owner:        current.Owner,
		FencingToken: current.FencingToken,
		Expires:      now.Add(req.TTL),
		Timestamp:    now,
		State:        types.LockStateLocked,
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.LockResponse{Type: types.LockResponseErrored}
	}
	proposal.ApplyTo(current)

	return types.LockResponse{Type: types.LockResponseExtended, FencingToken: current.FencingToken}
}

func (a *Actor) tryUnlock(ctx context.Context, req types.LockRequest) types.LockResponse {
	current, err := a.resolve(ctx, req.Resource)
	if err != nil || current == nil || current.Owner != req.Owner {
		return types.LockResponse{Type: types.LockResponseErrored}
	}

	proposal := types.LockProposal{
		Resource:     req.Resource,
		Owner:        "",
		FencingToken: current.FencingToken, //never reset
		Expires:      current.Expires,
		Timestamp:    a.clock.Now(),
		State:        types.LockStateUnlocked,
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.LockResponse{Type: types.LockResponseErrored}
	}
	proposal.ApplyTo(current)

	return types.LockResponse{Type: types.LockResponseUnlocked, FencingToken: current.FencingToken}
}

// read-only, never mutates the record
func (a *Actor) get(ctx context.Context, req types.LockRequest) types.LockResponse {
	current, err := a.resolve(ctx, req.Resource)
	if err != nil {
		return types.LockResponse{Type: types.LockResponseErrored}
	}
	if current == nil {
		return types.LockResponse{Type: types.LockResponseDoesNotExist}
	}

	if current.IsExpired(a.clock.Now()) {
		return types.LockResponse{Type: types.LockResponseBusy}
	}

	return types.LockResponse{
		Type:         types.LockResponseGot,
		FencingToken: current.FencingToken,
		Context: &types.ReadOnlyLockContext{
			Owner:        current.Owner,
			Expires:      current.Expires,
			FencingToken: current.FencingToken,
		},
	}
}

// finds the live record, loading it from the durable store on the consistent tier
func (a *Actor) resolve(ctx context.Context, resource string) (*types.LockContext, error) {
	if current, ok := a.locks[resource]; ok {
		return current, nil
	}

	if a.tier != types.TierLinearizable || a.loader == nil {
		return nil, nil
	}

	rec, found, err := a.loader.GetLock(ctx, resource)
	if err != nil {
		a.log.Error("failed to load lock", "actor", a.name, "resource", resource, "error", err)
		return nil, err
	}
	if !found {
		return nil, nil
	}

	current := a.track(resource)
	*current = *rec.Context()
	return current, nil
}

// drops the cache so the next access reloads the durable state
func (a *Actor) forget() types.LockResponse {
	n := len(a.locks)
	clear(a.locks)
	a.resident.Add(-int64(n))
	metrics.ResidentRecords.WithLabelValues("lock", a.tier.String()).Sub(float64(n))
	return types.LockResponse{Type: types.LockResponseGot}
}

func (a *Actor) track(resource string) *types.LockContext {
	current := &types.LockContext{}
	a.locks[resource] = current
	a.resident.Add(1)
	metrics.ResidentRecords.WithLabelValues("lock", a.tier.String()).Inc()
	return current
}

func (a *Actor) commit(ctx context.Context, op types.LockRequestType, p types.LockProposal) error {
	if a.tier != types.TierLinearizable {
		return nil
	}
	return a.bridge.CommitLock(ctx, op, p)
}

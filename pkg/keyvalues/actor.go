package keyvalues

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
)

type Committer interface {
	CommitKeyValue(ctx context.Context, op types.KeyValueRequestType, p types.KeyValueProposal) error
}

type Loader interface {
	GetKeyValue(ctx context.Context, key string) (*storage.KeyValueRecord, bool, error)
}

// when and how much the actor evicts from its cache
type EvictionPolicy struct {
	// requests between two sweeps
	Every int
	// sweeps are skipped while the cache holds this many records or fewer
	Threshold int
	// max records dropped per sweep
	Batch int
	// only records unused for this long are dropped
	IdleWindow time.Duration
}

var DefaultEvictionPolicy = EvictionPolicy{
	Every:      1000,
	Threshold:  2000,
	Batch:      100,
	IdleWindow: 30 * time.Minute,
}

func (p EvictionPolicy) withDefaults() EvictionPolicy {
	if p.Every <= 0 {
		p.Every = DefaultEvictionPolicy.Every
	}
	if p.Threshold <= 0 {
		p.Threshold = DefaultEvictionPolicy.Threshold
	}
	if p.Batch <= 0 {
		p.Batch = DefaultEvictionPolicy.Batch
	}
	if p.IdleWindow <= 0 {
		p.IdleWindow = DefaultEvictionPolicy.IdleWindow
	}
	return p
}

// key-value actor owning the keys of one shard
// critical :
// - a successful set bumps the revision by exactly one, extend and delete keep it
// - deletes leave a tombstone so stale state can't come back from the store
// - consistent-tier proposals are applied only after they are committed
// - a record is cached only once it was loaded from the store or a mutation succeeded
type Actor struct {
	name     string
	tier     types.Tier
	clock    *hlc.Clock
	bridge   Committer
	loader   Loader
	eviction EvictionPolicy
	log      hclog.Logger

	keyValues  map[string]*types.KeyValueContext // owned by the actor goroutine
	operations uint64
	resident   atomic.Int64
}

func NewActor(name string, tier types.Tier, clock *hlc.Clock, bridge Committer, loader Loader, eviction EvictionPolicy, logger hclog.Logger) *Actor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Actor{
		name:      name,
		tier:      tier,
		clock:     clock,
		bridge:    bridge,
		loader:    loader,
		eviction:  eviction.withDefaults(),
		log:       logger,
		keyValues: make(map[string]*types.KeyValueContext),
	}
}

func (a *Actor) Resident() int {
	return int(a.resident.Load())
}

func (a *Actor) Receive(ctx context.Context, req types.KeyValueRequest) (resp types.KeyValueResponse) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("key-value actor panicked", "actor", a.name, "op", req.Type, "key", req.Key, "panic", r)
			resp = types.KeyValueResponse{Type: types.KeyValueResponseErrored}
		}
		metrics.KeyValueOperationsTotal.WithLabelValues(req.Type.String(), req.Tier.String(), resp.Type.String()).Inc()
	}()

	a.log.Trace("message", "actor", a.name, "op", req.Type, "key", req.Key, "size", len(req.Value), "ttl", req.TTL, "flags", req.Flags)

	if a.operations%uint64(a.eviction.Every) == 0 {
		a.collect()
	}
	a.operations++

	switch req.Type {
	case types.KeyValueRequestTrySet:
		return a.trySet(ctx, req)
	case types.KeyValueRequestTryExtend:
		return a.tryExtend(ctx, req)
	case types.KeyValueRequestTryDelete:
		return a.tryDelete(ctx, req)
	case types.KeyValueRequestTryGet:
		return a.tryGet(ctx, req)
	case types.KeyValueRequestForget:
		return a.forget()
	default:
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}
}

func (a *Actor) trySet(ctx context.Context, req types.KeyValueRequest) types.KeyValueResponse {
	current, err := a.resolve(ctx, req.Key)
	if err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}

	now := a.clock.Now()
	exists := current.Exists(now)

	revision := int64(-1)
	if current != nil {
		revision = current.Revision
	}

	if !req.Flags.Allows(exists, current, req.CompareValue, req.CompareRevision) {
		return types.KeyValueResponse{Type: types.KeyValueResponseNotSet, Revision: revision}
	}

	// the cache and the writer queue must not alias the caller's buffer
	proposal := types.KeyValueProposal{
		Key:       req.Key,
		Value:     bytes.Clone(req.Value),
		Revision:  revision + 1,
		Expires:   expiry(now, req.TTL),
		Timestamp: now,
		State:     types.KeyValueSet,
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}

	if current == nil {
		current = a.track(req.Key)
	}
	proposal.ApplyTo(current)

	return types.KeyValueResponse{Type: types.KeyValueResponseSet, Revision: current.Revision}
}

func (a *Actor) tryExtend(ctx context.Context, req types.KeyValueRequest) types.KeyValueResponse {
	current, err := a.resolve(ctx, req.Key)
	if err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}

	now := a.clock.Now()
	if !current.Exists(now) {
		return missing(current)
	}

	proposal := types.KeyValueProposal{
		Key:       req.Key,
		Value:     current.Value,
		Revision:  current.Revision,
		Expires:   expiry(now, req.TTL),
		Timestamp: now,
		State:     current.State,
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}
	proposal.ApplyTo(current)

	return types.KeyValueResponse{Type: types.KeyValueResponseExtended, Revision: current.Revision}
}

func (a *Actor) tryDelete(ctx context.Context, req types.KeyValueRequest) types.KeyValueResponse {
	current, err := a.resolve(ctx, req.Key)
	if err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}

	now := a.clock.Now()
	if !current.Exists(now) {
		return missing(current)
	}

	proposal := types.KeyValueProposal{
		Key:       req.Key,
		Value:     nil,
		Revision:  current.Revision,
		Expires:   current.Expires,
		Timestamp: now,
		State:     types.KeyValueDeleted,
	}

	if err := a.commit(ctx, req.Type, proposal); err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}
	proposal.ApplyTo(current)

	return types.KeyValueResponse{Type: types.KeyValueResponseDeleted, Revision: current.Revision}
}

// reads never replicate, they only refresh the idle timer
func (a *Actor) tryGet(ctx context.Context, req types.KeyValueRequest) types.KeyValueResponse {
	current, err := a.resolve(ctx, req.Key)
	if err != nil {
		return types.KeyValueResponse{Type: types.KeyValueResponseErrored}
	}

	now := a.clock.Now()
	if !current.Exists(now) {
		return missing(current)
	}

	current.LastUsed = now

	return types.KeyValueResponse{
		Type:     types.KeyValueResponseGot,
		Revision: current.Revision,
		Context: &types.ReadOnlyKeyValueContext{
			Value:    bytes.Clone(current.Value),
			Revision: current.Revision,
			Expires:  current.Expires,
		},
	}
}

func (a *Actor) resolve(ctx context.Context, key string) (*types.KeyValueContext, error) {
	if current, ok := a.keyValues[key]; ok {
		return current, nil
	}

	if a.tier != types.TierLinearizable || a.loader == nil {
		return nil, nil
	}

	rec, found, err := a.loader.GetKeyValue(ctx, key)
	if err != nil {
		a.log.Error("failed to load key-value", "actor", a.name, "key", key, "error", err)
		return nil, err
	}
	if !found {
		return nil, nil
	}

	current := a.track(key)
	*current = *rec.Context()
	current.LastUsed = a.clock.Now()
	return current, nil
}

func (a *Actor) forget() types.KeyValueResponse {
	n := len(a.keyValues)
	clear(a.keyValues)
	a.resident.Add(-int64(n))
	metrics.ResidentRecords.WithLabelValues("keyvalue", a.tier.String()).Sub(float64(n))
	return types.KeyValueResponse{Type: types.KeyValueResponseGot}
}

func (a *Actor) track(key string) *types.KeyValueContext {
	current := types.NewKeyValueContext()
	a.keyValues[key] = current
	a.resident.Add(1)
	metrics.ResidentRecords.WithLabelValues("keyvalue", a.tier.String()).Inc()
	return current
}

func (a *Actor) commit(ctx context.Context, op types.KeyValueRequestType, p types.KeyValueProposal) error {
	if a.tier != types.TierLinearizable {
		return nil
	}
	return a.bridge.CommitKeyValue(ctx, op, p)
}

// eviction sweeper
// drops a bounded batch of idle records once the cache grows past the threshold.
// consistent-tier records come back from the store on the next access,
// evicted ephemeral records are gone for good
func (a *Actor) collect() {
	if len(a.keyValues) <= a.eviction.Threshold {
		return
	}

	now := a.clock.Now()
	evicted := 0

	for key, kv := range a.keyValues {
		if evicted >= a.eviction.Batch {
			break
		}
		if now.Sub(kv.LastUsed) < a.eviction.IdleWindow {
			continue
		}
		delete(a.keyValues, key)
		evicted++
	}

	if evicted == 0 {
		return
	}

	a.resident.Add(-int64(evicted))
	metrics.ResidentRecords.WithLabelValues("keyvalue", a.tier.String()).Sub(float64(evicted))
	metrics.EvictionsTotal.WithLabelValues(a.tier.String()).Add(float64(evicted))

	a.log.Debug("evicted idle key-values", "actor", a.name, "evicted", evicted, "resident", len(a.keyValues))
}

// zero ttl keeps the key forever
func expiry(now hlc.Timestamp, ttl time.Duration) hlc.Timestamp {
	if ttl <= 0 {
		return hlc.Zero
	}
	return now.Add(ttl)
}

func missing(current *types.KeyValueContext) types.KeyValueResponse {
	resp := types.KeyValueResponse{Type: types.KeyValueResponseDoesNotExist, Revision: -1}
	if current != nil {
		resp.Revision = current.Revision
	}
	return resp
}

package server

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tessera/api/v1"
	"github.com/pixperk/tessera/pkg/client"
	"github.com/pixperk/tessera/pkg/keyvalues"
	"github.com/pixperk/tessera/pkg/locks"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/raft"
	"github.com/pixperk/tessera/pkg/types"
	"google.golang.org/grpc/metadata"
)

// leadership view the router needs, implemented by raft.Node
type Cluster interface {
	PartitionKey(key string) int
	AmILeader(partition int) bool
	WaitForLeader(ctx context.Context, partition int) (string, error)
	LocalEndpoint() string
}

// optional extra detail for GetStatus
type statusReporter interface {
	LeaderID() string
	Status() raft.Status
}

type Config struct {
	NodeID     string
	Partitions int
	// bound on leader discovery plus the forwarded call, defaults to 5s
	ForwardTimeout time.Duration
	Logger         hclog.Logger
}

// leader router in front of the lock and key-value managers
// ephemeral requests are always served here; consistent ones are served here
// only when this node leads the key's partition, otherwise they are forwarded once
type Server struct {
	pb.UnimplementedCoordinatorServer

	locks     *locks.Manager
	keyValues *keyvalues.Manager
	cluster   Cluster // nil when clustering is disabled
	pool      *client.Pool
	cfg       Config
	log       hclog.Logger
}

func NewServer(lm *locks.Manager, kvm *keyvalues.Manager, cluster Cluster, pool *client.Pool, cfg Config) *Server {
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Server{
		locks:     lm,
		keyValues: kvm,
		cluster:   cluster,
		pool:      pool,
		cfg:       cfg,
		log:       cfg.Logger,
	}
}

type route int

const (
	routeLocal route = iota
	routeForward
	routeRetry
)

// decides where a request for key runs
func (s *Server) route(ctx context.Context, key string, tier types.Tier) (string, route) {
	if tier != types.TierLinearizable || s.cluster == nil {
		return "", routeLocal
	}

	partition := s.cluster.PartitionKey(key)
	if s.cluster.AmILeader(partition) {
		return "", routeLocal
	}

	//the sender thought we were leader, its view is stale: never forward twice
	if isForwarded(ctx) {
		return "", routeRetry
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.ForwardTimeout)
	defer cancel()

	addr, err := s.cluster.WaitForLeader(wctx, partition)
	if err != nil {
		s.log.Warn("no leader to forward to", "key", key, "partition", partition, "error", err)
		return "", routeRetry
	}

	//raft already names us but we have not finished taking over
	if addr == s.cluster.LocalEndpoint() {
		return "", routeRetry
	}

	return addr, routeForward
}

func isForwarded(ctx context.Context) bool {
	md, ok := metadata.FromIncomingContext(ctx)
	return ok && len(md.Get(pb.ForwardedHeader)) > 0
}

// calls the leader at addr, marking the request as forwarded
func forward[Resp any](s *Server, ctx context.Context, addr string, call func(context.Context, *pb.CoordinatorClient) (*Resp, error)) (*Resp, error) {
	c, err := s.pool.Get(addr)
	if err != nil {
		metrics.ForwardedTotal.WithLabelValues("error").Inc()
		s.log.Error("failed to reach leader", "addr", addr, "error", err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ForwardTimeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, pb.ForwardedHeader, s.cfg.NodeID)

	resp, err := call(ctx, c)
	if err != nil {
		metrics.ForwardedTotal.WithLabelValues("error").Inc()
		s.log.Error("forwarded request failed", "addr", addr, "error", err)
		return nil, err
	}

	metrics.ForwardedTotal.WithLabelValues("ok").Inc()
	return resp, nil
}

// address reported in ServedFrom for locally served requests
func (s *Server) endpoint() string {
	if s.cluster == nil {
		return ""
	}
	return s.cluster.LocalEndpoint()
}

func ttl(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) TryLock(ctx context.Context, req *pb.TryLockRequest) (*pb.TryLockResponse, error) {
	if req.Resource == "" || req.Owner == "" || req.TtlMs <= 0 || !req.Tier.Valid() {
		return &pb.TryLockResponse{Type: types.LockResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Resource, req.Tier); r {
	case routeRetry:
		return &pb.TryLockResponse{Type: types.LockResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryLockResponse, error) {
			return c.TryLock(ctx, req)
		})
		if err != nil {
			return &pb.TryLockResponse{Type: types.LockResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, token := s.locks.TryLock(ctx, req.Resource, req.Owner, ttl(req.TtlMs), req.Tier)
	return &pb.TryLockResponse{Type: typ, FencingToken: token, ServedFrom: s.endpoint()}, nil
}

func (s *Server) TryExtendLock(ctx context.Context, req *pb.TryExtendLockRequest) (*pb.TryExtendLockResponse, error) {
	if req.Resource == "" || req.Owner == "" || req.TtlMs <= 0 || !req.Tier.Valid() {
		return &pb.TryExtendLockResponse{Type: types.LockResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Resource, req.Tier); r {
	case routeRetry:
		return &pb.TryExtendLockResponse{Type: types.LockResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryExtendLockResponse, error) {
			return c.TryExtendLock(ctx, req)
		})
		if err != nil {
			return &pb.TryExtendLockResponse{Type: types.LockResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, token := s.locks.TryExtendLock(ctx, req.Resource, req.Owner, ttl(req.TtlMs), req.Tier)
	return &pb.TryExtendLockResponse{Type: typ, FencingToken: token, ServedFrom: s.endpoint()}, nil
}

func (s *Server) TryUnlock(ctx context.Context, req *pb.TryUnlockRequest) (*pb.TryUnlockResponse, error) {
	if req.Resource == "" || req.Owner == "" || !req.Tier.Valid() {
		return &pb.TryUnlockResponse{Type: types.LockResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Resource, req.Tier); r {
	case routeRetry:
		return &pb.TryUnlockResponse{Type: types.LockResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryUnlockResponse, error) {
			return c.TryUnlock(ctx, req)
		})
		if err != nil {
			return &pb.TryUnlockResponse{Type: types.LockResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, token := s.locks.TryUnlock(ctx, req.Resource, req.Owner, req.Tier)
	return &pb.TryUnlockResponse{Type: typ, FencingToken: token, ServedFrom: s.endpoint()}, nil
}

func (s *Server) GetLock(ctx context.Context, req *pb.GetLockRequest) (*pb.GetLockResponse, error) {
	if req.Resource == "" || !req.Tier.Valid() {
		return &pb.GetLockResponse{Type: types.LockResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Resource, req.Tier); r {
	case routeRetry:
		return &pb.GetLockResponse{Type: types.LockResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.GetLockResponse, error) {
			return c.GetLock(ctx, req)
		})
		if err != nil {
			return &pb.GetLockResponse{Type: types.LockResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, ro := s.locks.GetLock(ctx, req.Resource, req.Tier)
	resp := &pb.GetLockResponse{Type: typ, ServedFrom: s.endpoint()}
	if ro != nil {
		resp.Owner = ro.Owner
		resp.FencingToken = ro.FencingToken
		resp.Expires = ro.Expires
	}
	return resp, nil
}

func (s *Server) TrySetKeyValue(ctx context.Context, req *pb.TrySetKeyValueRequest) (*pb.TrySetKeyValueResponse, error) {
	if req.Key == "" || req.TtlMs < 0 || !req.Tier.Valid() || !req.Flags.Valid() {
		return &pb.TrySetKeyValueResponse{Type: types.KeyValueResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Key, req.Tier); r {
	case routeRetry:
		return &pb.TrySetKeyValueResponse{Type: types.KeyValueResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TrySetKeyValueResponse, error) {
			return c.TrySetKeyValue(ctx, req)
		})
		if err != nil {
			return &pb.TrySetKeyValueResponse{Type: types.KeyValueResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	cond := keyvalues.Condition{Flags: req.Flags, Value: req.CompareValue, Revision: req.CompareRevision}
	typ, rev := s.keyValues.TrySetKeyValue(ctx, req.Key, req.Value, ttl(req.TtlMs), cond, req.Tier)
	return &pb.TrySetKeyValueResponse{Type: typ, Revision: rev, ServedFrom: s.endpoint()}, nil
}

func (s *Server) TryExtendKeyValue(ctx context.Context, req *pb.TryExtendKeyValueRequest) (*pb.TryExtendKeyValueResponse, error) {
	if req.Key == "" || req.TtlMs < 0 || !req.Tier.Valid() {
		return &pb.TryExtendKeyValueResponse{Type: types.KeyValueResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Key, req.Tier); r {
	case routeRetry:
		return &pb.TryExtendKeyValueResponse{Type: types.KeyValueResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryExtendKeyValueResponse, error) {
			return c.TryExtendKeyValue(ctx, req)
		})
		if err != nil {
			return &pb.TryExtendKeyValueResponse{Type: types.KeyValueResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, rev := s.keyValues.TryExtendKeyValue(ctx, req.Key, ttl(req.TtlMs), req.Tier)
	return &pb.TryExtendKeyValueResponse{Type: typ, Revision: rev, ServedFrom: s.endpoint()}, nil
}

func (s *Server) TryDeleteKeyValue(ctx context.Context, req *pb.TryDeleteKeyValueRequest) (*pb.TryDeleteKeyValueResponse, error) {
	if req.Key == "" || !req.Tier.Valid() {
		return &pb.TryDeleteKeyValueResponse{Type: types.KeyValueResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Key, req.Tier); r {
	case routeRetry:
		return &pb.TryDeleteKeyValueResponse{Type: types.KeyValueResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryDeleteKeyValueResponse, error) {
			return c.TryDeleteKeyValue(ctx, req)
		})
		if err != nil {
			return &pb.TryDeleteKeyValueResponse{Type: types.KeyValueResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, rev := s.keyValues.TryDeleteKeyValue(ctx, req.Key, req.Tier)
	return &pb.TryDeleteKeyValueResponse{Type: typ, Revision: rev, ServedFrom: s.endpoint()}, nil
}

func (s *Server) TryGetKeyValue(ctx context.Context, req *pb.TryGetKeyValueRequest) (*pb.TryGetKeyValueResponse, error) {
	if req.Key == "" || !req.Tier.Valid() {
		return &pb.TryGetKeyValueResponse{Type: types.KeyValueResponseInvalidInput}, nil
	}

	switch addr, r := s.route(ctx, req.Key, req.Tier); r {
	case routeRetry:
		return &pb.TryGetKeyValueResponse{Type: types.KeyValueResponseMustRetry}, nil
	case routeForward:
		resp, err := forward(s, ctx, addr, func(ctx context.Context, c *pb.CoordinatorClient) (*pb.TryGetKeyValueResponse, error) {
			return c.TryGetKeyValue(ctx, req)
		})
		if err != nil {
			return &pb.TryGetKeyValueResponse{Type: types.KeyValueResponseErrored}, nil
		}
		if resp.ServedFrom == "" {
			resp.ServedFrom = addr
		}
		return resp, nil
	}

	typ, ro := s.keyValues.TryGetKeyValue(ctx, req.Key, req.Tier)
	resp := &pb.TryGetKeyValueResponse{Type: typ, ServedFrom: s.endpoint()}
	if ro != nil {
		resp.Value = ro.Value
		resp.Revision = ro.Revision
		resp.Expires = ro.Expires
	}
	return resp, nil
}

func (s *Server) GetStatus(ctx context.Context, req *pb.GetStatusRequest) (*pb.GetStatusResponse, error) {
	resp := &pb.GetStatusResponse{
		NodeId:     s.cfg.NodeID,
		IsLeader:   true,
		State:      "Standalone",
		Partitions: int32(s.cfg.Partitions),
		Resident: pb.ResidentCounts{
			EphemeralLocks:      int64(s.locks.Resident(types.TierEphemeral)),
			ConsistentLocks:     int64(s.locks.Resident(types.TierLinearizable)),
			EphemeralKeyValues:  int64(s.keyValues.Resident(types.TierEphemeral)),
			ConsistentKeyValues: int64(s.keyValues.Resident(types.TierLinearizable)),
		},
	}

	if s.cluster == nil {
		return resp, nil
	}

	resp.IsLeader = s.cluster.AmILeader(0)
	resp.State = ""

	if sr, ok := s.cluster.(statusReporter); ok {
		st := sr.Status()
		resp.LeaderId = sr.LeaderID()
		resp.State = st.State
		resp.Term = st.Term
		resp.AppliedIndex = st.AppliedIndex
	}

	//best effort, a cluster mid-election has no leader address yet
	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if addr, err := s.cluster.WaitForLeader(wctx, 0); err == nil {
		resp.LeaderAddress = addr
	}

	return resp, nil
}

package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/replication"
	"github.com/pixperk/tessera/pkg/storage"
	"github.com/pixperk/tessera/pkg/types"
)

const (
	applyTimeout      = 5 * time.Second
	barrierTimeout    = 10 * time.Second
	leaderPollEvery   = 50 * time.Millisecond
	DefaultPartitions = 8

	takeOverBackoff    = 100 * time.Millisecond
	maxTakeOverBackoff = 5 * time.Second
)

// wraps a raft inst with our fsm and provides the consensus api used by the
// replication bridge and the leader router
// every partition is served by the single raft group, so they share its leader
type Node struct {
	raft      *raft.Raft
	storage   *storage.RaftStorage
	transport *raft.NetworkTransport
	cfg       *Config
	log       hclog.Logger

	peers map[raft.ServerID]Peer // self included

	//set once a new leader has applied everything and ran OnLeadership
	ready atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type Config struct {
	NodeID     uuid.UUID //unique ID for this node
	BindAddr   string    //net addr to bind Raft communication
	RPCAddr    string    //advertised Coordinator address, used for forwarding
	DataDir    string    //data directory for Raft storage
	Bootstrap  bool      //if this node bootstraps the cluster from Peers
	Partitions int       //logical partitions, defaults to DefaultPartitions
	Peers      []Peer    //every other cluster member
	Logger     hclog.Logger

	// runs after this node won an election and applied every committed entry,
	// before it reports itself as leader
	OnLeadership func(ctx context.Context) error
}

func NewNode(cfg *Config, fsm raft.FSM) (*Node, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = DefaultPartitions
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = cfg.Logger

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage
	raftStorage, err := storage.NewRaftStorage(cfg.DataDir, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise(addr), 3, 10*time.Second, cfg.Logger)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	n := &Node{
		raft:      r,
		storage:   raftStorage,
		transport: transport,
		cfg:       cfg,
		log:       cfg.Logger,
		peers:     make(map[raft.ServerID]Peer),
		stop:      make(chan struct{}),
	}

	n.peers[raftCfg.LocalID] = Peer{ID: cfg.NodeID, RaftAddr: string(transport.LocalAddr()), RPCAddr: cfg.RPCAddr}
	for _, p := range cfg.Peers {
		n.peers[raft.ServerID(p.ID.String())] = p
	}

	//bootstrap if needed
	if cfg.Bootstrap {
		configuration := raft.Configuration{}
		for id, p := range n.peers {
			configuration.Servers = append(configuration.Servers, raft.Server{
				ID:      id,
				Address: raft.ServerAddress(p.RaftAddr),
			})
		}

		//a restarted node already has a configuration
		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			n.Shutdown()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	n.wg.Add(1)
	go n.watchLeadership()

	n.log.Info("raft node started", "id", cfg.NodeID, "bind", transport.LocalAddr(), "rpc", cfg.RPCAddr, "peers", len(cfg.Peers), "partitions", cfg.Partitions)

	return n, nil
}

// clustering is on whenever a node exists
func (n *Node) Joined() bool {
	return true
}

func (n *Node) PartitionKey(key string) int {
	return replication.PartitionKey(key, n.cfg.Partitions)
}

func (n *Node) Partitions() int {
	return n.cfg.Partitions
}

// replicates payload and waits until it is committed and applied locally
// only the leader may replicate, everybody else gets types.ErrNotLeader
func (n *Node) ReplicateLog(ctx context.Context, partition int, payload []byte) (uint64, error) {
	if n.raft.State() != raft.Leader {
		return 0, types.ErrNotLeader
	}

	timeout := applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return 0, fmt.Errorf("partition %d: %w: %w", partition, types.ErrNotLeader, err)
		}
		return 0, fmt.Errorf("partition %d: failed to apply entry: %w", partition, err)
	}

	if err, ok := future.Response().(error); ok {
		return future.Index(), fmt.Errorf("partition %d: entry rejected: %w", partition, err)
	}

	return future.Index(), nil
}

// returns true if this node leads partition and is ready to serve it
func (n *Node) AmILeader(partition int) bool {
	return n.raft.State() == raft.Leader && n.ready.Load()
}

// blocks until partition has a known leader and returns its Coordinator address
// the address may be our own while a fresh leader finishes taking over
func (n *Node) WaitForLeader(ctx context.Context, partition int) (string, error) {
	ticker := time.NewTicker(leaderPollEvery)
	defer ticker.Stop()

	for {
		if _, id := n.raft.LeaderWithID(); id != "" {
			p, ok := n.peers[id]
			if !ok || p.RPCAddr == "" {
				return "", fmt.Errorf("partition %d: leader %s is not in the peer table", partition, id)
			}
			return p.RPCAddr, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("partition %d: %w: %w", partition, types.ErrNoLeader, ctx.Err())
		case <-ticker.C:
		}
	}
}

// returns the Coordinator address of this node
func (n *Node) LocalEndpoint() string {
	return n.cfg.RPCAddr
}

func (n *Node) ID() string {
	return n.cfg.NodeID.String()
}

// returns the leader's id, empty when unknown
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

type Status struct {
	State        string
	Term         uint64
	LastIndex    uint64
	AppliedIndex uint64
	Ready        bool
}

func (n *Node) Status() Status {
	return Status{
		State:        n.raft.State().String(),
		Term:         n.raft.CurrentTerm(),
		LastIndex:    n.raft.LastIndex(),
		AppliedIndex: n.raft.AppliedIndex(),
		Ready:        n.ready.Load(),
	}
}

// gracefully shuts down the Raft node
func (n *Node) Shutdown() error {
	select {
	case <-n.stop:
		return nil
	default:
		close(n.stop)
	}

	err := n.raft.Shutdown().Error()
	n.wg.Wait()

	n.transport.Close()
	if cerr := n.storage.Close(); err == nil {
		err = cerr
	}
	return err
}

// keeps ready in sync with leadership
// a new leader first applies everything committed by its predecessors,
// then lets OnLeadership refresh local state; a failed takeover is retried
// with backoff for as long as this node stays leader
func (n *Node) watchLeadership() {
	defer n.wg.Done()

	var (
		retry   <-chan time.Time
		backoff time.Duration
	)

	leaderCh := n.raft.LeaderCh()
	for {
		select {
		case <-n.stop:
			return
		case isLeader := <-leaderCh:
			n.ready.Store(false)
			retry, backoff = nil, takeOverBackoff

			if !isLeader {
				metrics.RaftIsLeader.Set(0)
				n.log.Info("lost leadership")
				continue
			}

			retry = n.tryTakeOver(&backoff)
		case <-retry:
			retry = nil
			if n.raft.State() != raft.Leader {
				continue
			}
			retry = n.tryTakeOver(&backoff)
		}
	}
}

// nil once the node is ready, otherwise fires when the next attempt is due
func (n *Node) tryTakeOver(backoff *time.Duration) <-chan time.Time {
	if err := n.takeOver(); err != nil {
		n.log.Error("failed to take over leadership", "error", err, "retry_in", *backoff)
		wait := *backoff
		*backoff = min(*backoff*2, maxTakeOverBackoff)
		return time.After(wait)
	}

	n.ready.Store(true)
	metrics.RaftIsLeader.Set(1)
	n.log.Info("became leader", "term", n.raft.CurrentTerm())
	return nil
}

func (n *Node) takeOver() error {
	if err := n.raft.Barrier(barrierTimeout).Error(); err != nil {
		return fmt.Errorf("barrier: %w", err)
	}

	if n.cfg.OnLeadership == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), barrierTimeout)
	defer cancel()

	return n.cfg.OnLeadership(ctx)
}

// nil lets the transport advertise its listener address, which is what ":0" needs
func advertise(addr *net.TCPAddr) net.Addr {
	if addr.Port == 0 || addr.IP == nil || addr.IP.IsUnspecified() {
		return nil
	}
	return addr
}

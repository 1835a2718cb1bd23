package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// lock operation counter - one increment per completed lock request
	// labels: op (try_lock/try_extend_lock/try_unlock/get_lock), tier, result
	// busy vs locked ratio shows contention per tier
	LockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_lock_operations_total",
			Help: "total number of lock operations by result",
		},
		[]string{"op", "tier", "result"},
	)

	// key-value operation counter
	// labels: op (try_set/try_extend/try_delete/try_get), tier, result
	KeyValueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_keyvalue_operations_total",
			Help: "total number of key-value operations by result",
		},
		[]string{"op", "tier", "result"},
	)

	// resident records per entity and tier, summed across shard actors
	// lock records are never evicted so this only grows for locks
	ResidentRecords = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_resident_records",
			Help: "records currently held in actor memory",
		},
		[]string{"entity", "tier"},
	)

	// idle key-values dropped from the cache by the sweeper
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_evictions_total",
			Help: "total number of key-values evicted from actor caches",
		},
		[]string{"tier"},
	)

	// time a request spends inside a shard actor, queueing excluded
	// labels: router (e.g. ephemeral-locks)
	ShardRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_shard_request_duration_seconds",
			Help:    "time taken by a shard actor to process one request",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~800ms
		},
		[]string{"router"},
	)

	// requests waiting in shard mailboxes
	// sustained growth on the consistent routers = consensus is the bottleneck
	ShardMailboxDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_shard_mailbox_depth",
			Help: "requests queued in shard actor mailboxes",
		},
		[]string{"router"},
	)

	// requests dropped because the caller gave up before an actor picked them up
	ShardCancelledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_shard_cancelled_total",
			Help: "requests cancelled before being processed by an actor",
		},
		[]string{"router"},
	)

	// replication latency through consensus
	// labels: kind (lock/keyvalue)
	ReplicationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tessera_replication_duration_seconds",
			Help:    "time taken to commit a proposal through consensus",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 512ms
		},
		[]string{"kind"},
	)

	// replication outcomes - failures mean Errored responses with no local change
	ReplicationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_replication_total",
			Help: "total number of replication attempts",
		},
		[]string{"kind", "status"},
	)

	// durable writes queued per partition
	WriterQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_writer_queue_depth",
			Help: "pending durable writes per partition",
		},
		[]string{"partition"},
	)

	// durable write outcomes
	WriterWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_writer_writes_total",
			Help: "total number of durable writes",
		},
		[]string{"kind", "status"},
	)

	// requests forwarded to the partition leader
	// labels: status (success/failure/must_retry)
	ForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tessera_forwarded_total",
			Help: "total number of requests forwarded to the leader",
		},
		[]string{"status"},
	)

	// raft leader status - 1 if this node is leader, 0 if follower
	// exactly one node in cluster should have this = 1
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	// raft log index - last index applied to the fsm
	// lag between leader and follower = replication delay
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	// service uptime - always 1 when running
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tessera_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	// set uptime gauge to 1 on startup
	Up.Set(1)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tessera/api/v1"
	"github.com/pixperk/tessera/pkg/client"
	"github.com/pixperk/tessera/pkg/fsm"
	"github.com/pixperk/tessera/pkg/gateway"
	"github.com/pixperk/tessera/pkg/keyvalues"
	"github.com/pixperk/tessera/pkg/locks"
	"github.com/pixperk/tessera/pkg/raft"
	"github.com/pixperk/tessera/pkg/replication"
	"github.com/pixperk/tessera/pkg/server"
	"github.com/pixperk/tessera/pkg/shard"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type options struct {
	nodeID     string
	raftAddr   string
	grpcAddr   string
	advertise  string
	httpAddr   string
	dataDir    string
	bootstrap  bool
	peers      string
	partitions int
	workers    int
	queueSize  int
	store      string
	redisAddr  string
	redisPfx   string
	logLevel   string
	logJSON    bool
}

// flag default, overridden by TESSERA_<NAME> when set
func env(name, def string) string {
	if v, ok := os.LookupEnv("TESSERA_" + name); ok {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v, err := strconv.Atoi(env(name, "")); err == nil {
		return v
	}
	return def
}

func envBool(name string, def bool) bool {
	if v, err := strconv.ParseBool(env(name, "")); err == nil {
		return v
	}
	return def
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.nodeID, "node-id", env("NODE_ID", ""), "Unique node ID (generates UUID if empty)")
	fs.StringVar(&o.raftAddr, "raft-addr", env("RAFT_ADDR", ""), "Raft bind address, empty runs a standalone node")
	fs.StringVar(&o.grpcAddr, "grpc-addr", env("GRPC_ADDR", ":9000"), "gRPC server address")
	fs.StringVar(&o.advertise, "advertise-addr", env("ADVERTISE_ADDR", ""), "gRPC address peers forward to (defaults to grpc-addr)")
	fs.StringVar(&o.httpAddr, "http-addr", env("HTTP_ADDR", ":8080"), "HTTP ops address (metrics, health, status)")
	fs.StringVar(&o.dataDir, "data-dir", env("DATA_DIR", "./data"), "Data directory for raft and the bolt store")
	fs.BoolVar(&o.bootstrap, "bootstrap", envBool("BOOTSTRAP", false), "Bootstrap a new cluster from -peers")
	fs.StringVar(&o.peers, "peers", env("PEERS", ""), "Other members as id@raft-addr@grpc-addr, comma separated")
	fs.IntVar(&o.partitions, "partitions", envInt("PARTITIONS", raft.DefaultPartitions), "Logical replication partitions")
	fs.IntVar(&o.workers, "workers", envInt("WORKERS", shard.DefaultWorkers()), "Shard actors per tier, max(32, 4 x NumCPU) by default")
	fs.IntVar(&o.queueSize, "writer-queue", envInt("WRITER_QUEUE", 1024), "Background writer queue size per partition")
	fs.StringVar(&o.store, "store", env("STORE", "bolt"), "Durable store: bolt or redis")
	fs.StringVar(&o.redisAddr, "redis-addr", env("REDIS_ADDR", "localhost:6379"), "Redis address when -store=redis")
	fs.StringVar(&o.redisPfx, "redis-prefix", env("REDIS_PREFIX", "tessera"), "Key namespace when -store=redis (keys are <prefix>:lock:* and <prefix>:kv:*)")
	fs.StringVar(&o.logLevel, "log-level", env("LOG_LEVEL", "info"), "trace, debug, info, warn or error")
	fs.BoolVar(&o.logJSON, "log-json", envBool("LOG_JSON", false), "Emit JSON logs")
	err := fs.Parse(args)
	return o, err
}

func main() {
	o, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "tessera",
		Level:      hclog.LevelFromString(o.logLevel),
		JSONFormat: o.logJSON,
	})

	if err := run(o, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func openStore(o options) (storage.Store, error) {
	switch o.store {
	case "bolt":
		return storage.NewBoltStore(filepath.Join(o.dataDir, "state"))
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: o.redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("redis %s unreachable: %w", o.redisAddr, err)
		}
		return storage.NewRedisStore(rdb, storage.WithRedisPrefix(o.redisPfx)), nil
	default:
		return nil, fmt.Errorf("unknown store %q", o.store)
	}
}

func run(o options, logger hclog.Logger) error {
	var nid uuid.UUID
	var err error
	if o.nodeID == "" {
		nid = uuid.New()
		logger.Info("generated node id", "id", nid)
	} else {
		nid, err = uuid.Parse(o.nodeID)
		if err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}

	advertise := o.advertise
	if advertise == "" {
		advertise = o.grpcAddr
	}

	logger.Info("starting tessera node",
		"id", nid, "raft", o.raftAddr, "grpc", o.grpcAddr, "http", o.httpAddr,
		"data", o.dataDir, "store", o.store, "bootstrap", o.bootstrap)

	store, err := openStore(o)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	writer := storage.NewWriter(store, storage.WriterOptions{
		Partitions: o.partitions,
		QueueSize:  o.queueSize,
		Logger:     logger.Named("writer"),
	})
	defer writer.Close()

	clock := hlc.NewClock()

	// closed once the managers exist, leadership hooks wait on it
	built := make(chan struct{})

	var (
		consensus replication.Consensus = replication.Standalone{Partitions: o.partitions}
		cluster   server.Cluster
		lm        *locks.Manager
		kvm       *keyvalues.Manager
	)

	if o.raftAddr != "" {
		peers, err := raft.ParsePeers(o.peers)
		if err != nil {
			return err
		}

		machine := fsm.NewRaftFSM(fsm.NewFSM(clock, writer, logger.Named("fsm")), store, logger.Named("fsm"))

		node, err := raft.NewNode(&raft.Config{
			NodeID:     nid,
			BindAddr:   o.raftAddr,
			RPCAddr:    advertise,
			DataDir:    filepath.Join(o.dataDir, "raft"),
			Bootstrap:  o.bootstrap,
			Partitions: o.partitions,
			Peers:      peers,
			Logger:     logger.Named("raft"),
			OnLeadership: func(ctx context.Context) error {
				select {
				case <-built:
				case <-ctx.Done():
					return ctx.Err()
				}
				if err := writer.Flush(ctx); err != nil {
					return err
				}
				return errors.Join(lm.ForgetConsistent(ctx), kvm.ForgetConsistent(ctx))
			},
		}, machine)
		if err != nil {
			return fmt.Errorf("failed to create raft node: %w", err)
		}
		defer node.Shutdown()

		consensus, cluster = node, node
		logger.Info("raft node initialized", "peers", len(peers))
	}

	bridge := replication.NewBridge(consensus, writer, logger.Named("replication"))

	lm = locks.NewManager(clock, bridge, store, locks.Options{
		Workers: o.workers,
		Logger:  logger.Named("locks"),
	})
	defer lm.Close()
	kvm = keyvalues.NewManager(clock, bridge, store, keyvalues.Options{
		Workers: o.workers,
		Logger:  logger.Named("keyvalues"),
	})
	defer kvm.Close()
	close(built)

	pool := client.NewPool()
	defer pool.Close()

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(server.UnaryInterceptor(logger.Named("grpc"))))
	pb.RegisterCoordinatorServer(grpcServer, server.NewServer(lm, kvm, cluster, pool, server.Config{
		NodeID:     nid.String(),
		Partitions: o.partitions,
		Logger:     logger.Named("server"),
	}))

	listener, err := net.Listen("tcp", o.grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", o.grpcAddr, err)
	}

	self, err := pool.Get(loopback(o.grpcAddr))
	if err != nil {
		return err
	}
	gw := gateway.NewServer(o.httpAddr, self, nil, logger.Named("gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("grpc server listening", "addr", listener.Addr())
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		return gw.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		grpcServer.GracefulStop()
		err := gw.Stop(shutdownCtx)
		if ferr := writer.Flush(shutdownCtx); ferr != nil {
			logger.Warn("writer flush incomplete", "error", ferr)
		}
		return err
	})

	logger.Info("tessera is ready")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// dialable form of a listen address such as ":9000"
func loopback(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || host == "0.0.0.0" || host == "::" {
		return net.JoinHostPort("127.0.0.1", port)
	}
	return addr
}

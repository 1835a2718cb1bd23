package client_test

import (
	"context"
	"net"
	"testing"

	pb "github.com/pixperk/tessera/api/v1"
	"github.com/pixperk/tessera/pkg/client"
	"github.com/pixperk/tessera/pkg/keyvalues"
	"github.com/pixperk/tessera/pkg/locks"
	"github.com/pixperk/tessera/pkg/replication"
	"github.com/pixperk/tessera/pkg/server"
	"github.com/pixperk/tessera/pkg/storage"
	hlc "github.com/pixperk/tessera/pkg/time"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const target = "passthrough:///coordinator"

type discard struct{}

func (discard) Enqueue(context.Context, storage.Write) error { return nil }

// standalone coordinator served over an in-memory listener
func startCoordinator(tb testing.TB) grpc.DialOption {
	tb.Helper()

	clock := hlc.NewClock()
	bridge := replication.NewBridge(replication.Standalone{Partitions: 8}, discard{}, nil)

	lm := locks.NewManager(clock, bridge, nil, locks.Options{})
	kvm := keyvalues.NewManager(clock, bridge, nil, keyvalues.Options{})
	pool := client.NewPool()

	g := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryInterceptor(nil)))
	pb.RegisterCoordinatorServer(g, server.NewServer(lm, kvm, nil, pool, server.Config{NodeID: "bench"}))

	lis := bufconn.Listen(1 << 20)
	go g.Serve(lis)

	tb.Cleanup(func() {
		g.Stop()
		pool.Close()
		lm.Close()
		kvm.Close()
	})

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func newClient(tb testing.TB, dial grpc.DialOption, owner string) *client.Client {
	tb.Helper()
	c, err := client.NewClient(target, client.Options{OwnerID: owner, DialOptions: []grpc.DialOption{dial}})
	if err != nil {
		tb.Fatalf("failed to connect: %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

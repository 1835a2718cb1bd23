package client_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/tessera/pkg/client"
	"github.com/pixperk/tessera/pkg/types"
)

// Run with: go test -bench=. -benchtime=10s ./pkg/client/

// reports p50/p95/p99 of the recorded latencies as custom metrics
func reportPercentiles(b *testing.B, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	at := func(p float64) float64 {
		idx := int(float64(len(latencies)-1) * p)
		return float64(latencies[idx].Microseconds())
	}
	b.ReportMetric(at(0.50), "p50-µs")
	b.ReportMetric(at(0.95), "p95-µs")
	b.ReportMetric(at(0.99), "p99-µs")
}

func BenchmarkSequential(b *testing.B) {
	for _, tier := range []types.Tier{types.TierEphemeral, types.TierLinearizable} {
		b.Run(tier.String(), func(b *testing.B) {
			c := newClient(b, startCoordinator(b), "bench-sequential")
			ctx := context.Background()
			latencies := make([]time.Duration, 0, b.N)

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				start := time.Now()
				lock, err := c.Acquire(ctx, "bench-lock-sequential", 10*time.Second, tier)
				if err != nil {
					b.Fatalf("failed to acquire: %v", err)
				}
				if err := lock.Release(ctx); err != nil {
					b.Fatalf("failed to release: %v", err)
				}
				latencies = append(latencies, time.Since(start))
			}
			b.StopTimer()
			reportPercentiles(b, latencies)
		})
	}
}

func BenchmarkParallel(b *testing.B) {
	dial := startCoordinator(b)
	var seq atomic.Int64

	b.RunParallel(func(pb *testing.PB) {
		id := seq.Add(1)
		c := newClient(b, dial, fmt.Sprintf("bench-parallel-%d", id))
		ctx := context.Background()
		lockName := fmt.Sprintf("lock-%d", id)

		for pb.Next() {
			lock, err := c.Acquire(ctx, lockName, 10*time.Second, types.TierEphemeral)
			if err != nil {
				continue
			}
			lock.Release(ctx)
		}
	})
}

func BenchmarkContention(b *testing.B) {
	const numClients = 3
	dial := startCoordinator(b)
	ctx := context.Background()

	clients := make([]*client.Client, numClients)
	for i := range clients {
		clients[i] = newClient(b, dial, fmt.Sprintf("bench-contention-%d", i))
	}

	var acquired atomic.Int64

	b.ResetTimer()

	var wg sync.WaitGroup
	opsPerClient := b.N / numClients

	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for j := 0; j < opsPerClient; j++ {
				lock, err := c.Acquire(ctx, "bench-lock-contention", 10*time.Second, types.TierLinearizable)
				if err != nil {
					continue
				}
				acquired.Add(1)
				lock.Release(ctx)
			}
		}(c)
	}

	wg.Wait()
	b.ReportMetric(float64(acquired.Load())/float64(max(b.N, 1)), "acquired/op")
}

func BenchmarkConditionalSet(b *testing.B) {
	c := newClient(b, startCoordinator(b), "bench-kv")
	ctx := context.Background()

	rev, err := c.Set(ctx, "counter", []byte("0"), 0, types.TierLinearizable, client.SetCondition{})
	if err != nil {
		b.Fatalf("failed to seed: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rev, err = c.Set(ctx, "counter", []byte(fmt.Sprint(i)), 0, types.TierLinearizable,
			client.SetCondition{Flags: types.SetIfEqualToRevision, Revision: rev})
		if err != nil {
			b.Fatalf("compare-and-set lost: %v", err)
		}
	}
}

package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pixperk/tessera/pkg/types"
)

// handle on an acquired lock
// pass Token() along with every write to the protected resource
type Lock struct {
	client       *Client
	resource     string
	tier         types.Tier
	ttl          time.Duration
	fencingToken int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func (l *Lock) Token() int64 {
	return l.fencingToken
}

func (l *Lock) Resource() string {
	return l.resource
}

// pushes the expiry ttl into the future, the token does not change
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	_, err := l.client.extend(ctx, l.resource, ttl, l.tier)
	return err
}

// extends the lock every ttl/3 until Release or ctx is done
// onLost runs once if an extension is refused, the lock is then gone
func (l *Lock) KeepAlive(ctx context.Context, onLost func(error)) {
	l.done = make(chan struct{})
	go l.keepAliveLoop(ctx, onLost)
}

func (l *Lock) keepAliveLoop(ctx context.Context, onLost func(error)) {
	defer close(l.done)

	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()

	var failureCount int

	for {
		select {
		case <-ticker.C:
			err := l.Extend(ctx, l.ttl)
			if err == nil {
				//recovered
				if failureCount > 0 {
					l.client.log.Info("keepalive recovered", "resource", l.resource, "failures", failureCount)
					failureCount = 0
				}
				continue
			}

			failureCount++
			l.client.log.Warn("keepalive failed", "resource", l.resource, "attempt", failureCount, "error", err)

			//owner mismatch or unknown resource: somebody else has it now
			if !isTransient(err) || failureCount >= 3 {
				l.client.log.Error("lock lost", "resource", l.resource, "token", l.fencingToken)
				if onLost != nil {
					onLost(err)
				}
				return
			}

		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// stops any keepalive and releases the lock
func (l *Lock) Release(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.done != nil {
		<-l.done
	}
	return l.client.Release(ctx, l.resource, l.tier)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrMustRetry) || !errors.Is(err, ErrFailed) && !isDomainError(err)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tessera/api/v1"
	hlc "github.com/pixperk/tessera/pkg/time"
	"github.com/pixperk/tessera/pkg/types"
	"google.golang.org/grpc"
)

type Options struct {
	// owner token sent with every lock request, a random uuid when empty
	OwnerID string
	// attempts on MustRetry, defaults to 5
	MaxAttempts int
	// wait between attempts, doubled each time, defaults to 50ms
	RetryBackoff time.Duration
	DialOptions  []grpc.DialOption
	Logger       hclog.Logger
}

// talks to one node, which serves the request or forwards it to the leader
type Client struct {
	addr    string
	ownerID string
	pool    *Pool
	client  *pb.CoordinatorClient
	opts    Options
	log     hclog.Logger
}

func NewClient(addr string, opts Options) (*Client, error) {
	if opts.OwnerID == "" {
		opts.OwnerID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	pool := NewPool(opts.DialOptions...)
	c, err := pool.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{
		addr:    addr,
		ownerID: opts.OwnerID,
		pool:    pool,
		client:  c,
		opts:    opts,
		log:     opts.Logger,
	}, nil
}

func (c *Client) OwnerID() string {
	return c.ownerID
}

// acquires resource for ttl, ErrBusy when someone else holds it
func (c *Client) Acquire(ctx context.Context, resource string, ttl time.Duration, tier types.Tier) (*Lock, error) {
	var resp *pb.TryLockResponse
	err := c.retry(ctx, "acquire lock", func(ctx context.Context) (err error) {
		resp, err = c.client.TryLock(ctx, &pb.TryLockRequest{
			Resource: resource,
			Owner:    c.ownerID,
			TtlMs:    ttl.Milliseconds(),
			Tier:     tier,
		})
		if err != nil {
			return err
		}
		return lockError(resp.Type)
	})
	if err != nil {
		return nil, err
	}

	return &Lock{
		client:       c,
		resource:     resource,
		tier:         tier,
		ttl:          ttl,
		fencingToken: resp.FencingToken,
		stopCh:       make(chan struct{}),
	}, nil
}

func (c *Client) extend(ctx context.Context, resource string, ttl time.Duration, tier types.Tier) (int64, error) {
	var resp *pb.TryExtendLockResponse
	err := c.retry(ctx, "extend lock", func(ctx context.Context) (err error) {
		resp, err = c.client.TryExtendLock(ctx, &pb.TryExtendLockRequest{
			Resource: resource,
			Owner:    c.ownerID,
			TtlMs:    ttl.Milliseconds(),
			Tier:     tier,
		})
		if err != nil {
			return err
		}
		return lockError(resp.Type)
	})
	if err != nil {
		return 0, err
	}
	return resp.FencingToken, nil
}

// releases resource if this client owns it, the fencing token is kept for the next holder
func (c *Client) Release(ctx context.Context, resource string, tier types.Tier) error {
	return c.retry(ctx, "release lock", func(ctx context.Context) error {
		resp, err := c.client.TryUnlock(ctx, &pb.TryUnlockRequest{
			Resource: resource,
			Owner:    c.ownerID,
			Tier:     tier,
		})
		if err != nil {
			return err
		}
		return lockError(resp.Type)
	})
}

type LockInfo struct {
	Owner        string
	FencingToken int64
	Expires      hlc.Timestamp
}

// current holder of resource, ErrNotFound if it was never locked
func (c *Client) GetLock(ctx context.Context, resource string, tier types.Tier) (*LockInfo, error) {
	var resp *pb.GetLockResponse
	err := c.retry(ctx, "get lock", func(ctx context.Context) (err error) {
		resp, err = c.client.GetLock(ctx, &pb.GetLockRequest{Resource: resource, Tier: tier})
		if err != nil {
			return err
		}
		return lockError(resp.Type)
	})
	if err != nil {
		return nil, err
	}
	return &LockInfo{Owner: resp.Owner, FencingToken: resp.FencingToken, Expires: resp.Expires}, nil
}

// guard for Set, the zero value sets unconditionally
type SetCondition struct {
	Flags    types.KeyValueFlags
	Value    []byte
	Revision int64
}

// stores value under key and returns the new revision
// ErrNotSet when cond does not hold, ttl of zero never expires
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tier types.Tier, cond SetCondition) (int64, error) {
	var resp *pb.TrySetKeyValueResponse
	err := c.retry(ctx, "set key-value", func(ctx context.Context) (err error) {
		resp, err = c.client.TrySetKeyValue(ctx, &pb.TrySetKeyValueRequest{
			Key:             key,
			Value:           value,
			CompareValue:    cond.Value,
			CompareRevision: cond.Revision,
			Flags:           cond.Flags,
			TtlMs:           ttl.Milliseconds(),
			Tier:            tier,
		})
		if err != nil {
			return err
		}
		return keyValueError(resp.Type)
	})
	if resp != nil && errors.Is(err, ErrNotSet) {
		return resp.Revision, err
	}
	if err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

type KeyValue struct {
	Value    []byte
	Revision int64
	Expires  hlc.Timestamp
}

func (c *Client) Get(ctx context.Context, key string, tier types.Tier) (*KeyValue, error) {
	var resp *pb.TryGetKeyValueResponse
	err := c.retry(ctx, "get key-value", func(ctx context.Context) (err error) {
		resp, err = c.client.TryGetKeyValue(ctx, &pb.TryGetKeyValueRequest{Key: key, Tier: tier})
		if err != nil {
			return err
		}
		return keyValueError(resp.Type)
	})
	if err != nil {
		return nil, err
	}
	return &KeyValue{Value: resp.Value, Revision: resp.Revision, Expires: resp.Expires}, nil
}

func (c *Client) Extend(ctx context.Context, key string, ttl time.Duration, tier types.Tier) (int64, error) {
	var resp *pb.TryExtendKeyValueResponse
	err := c.retry(ctx, "extend key-value", func(ctx context.Context) (err error) {
		resp, err = c.client.TryExtendKeyValue(ctx, &pb.TryExtendKeyValueRequest{Key: key, TtlMs: ttl.Milliseconds(), Tier: tier})
		if err != nil {
			return err
		}
		return keyValueError(resp.Type)
	})
	if err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

func (c *Client) Delete(ctx context.Context, key string, tier types.Tier) (int64, error) {
	var resp *pb.TryDeleteKeyValueResponse
	err := c.retry(ctx, "delete key-value", func(ctx context.Context) (err error) {
		resp, err = c.client.TryDeleteKeyValue(ctx, &pb.TryDeleteKeyValueRequest{Key: key, Tier: tier})
		if err != nil {
			return err
		}
		return keyValueError(resp.Type)
	})
	if err != nil {
		return 0, err
	}
	return resp.Revision, nil
}

func (c *Client) Status(ctx context.Context) (*pb.GetStatusResponse, error) {
	return c.client.GetStatus(ctx, &pb.GetStatusRequest{})
}

func (c *Client) Close() error {
	return c.pool.Close()
}

// runs fn until it stops answering MustRetry, the attempts run out or ctx ends
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := c.opts.RetryBackoff

	var err error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, ErrMustRetry) {
			if err != nil && !isDomainError(err) {
				return fmt.Errorf("%s: %w", op, err)
			}
			return err
		}

		c.log.Debug("retrying", "op", op, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s: %w after %d attempts", op, err, c.opts.MaxAttempts)
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrNotSet) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
}

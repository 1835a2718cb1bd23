package client

import (
	"fmt"
	"sync"

	pb "github.com/pixperk/tessera/api/v1"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// cached connections keyed by address, shared by every caller
// concurrent first uses of an address dial once
type Pool struct {
	opts []grpc.DialOption

	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	closed bool

	dials singleflight.Group
}

// opts are appended to the default insecure transport credentials
func NewPool(opts ...grpc.DialOption) *Pool {
	return &Pool{
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

// returns a Coordinator client bound to addr
func (p *Pool) Get(addr string) (*pb.CoordinatorClient, error) {
	conn, err := p.conn(addr)
	if err != nil {
		return nil, err
	}
	return pb.NewCoordinatorClient(conn), nil
}

func (p *Pool) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrClosed
	}
	if conn, ok := p.conns[addr]; ok {
		p.mu.RUnlock()
		return conn, nil
	}
	p.mu.RUnlock()

	// dial outside the lock, only the map insert is serialized
	v, err, _ := p.dials.Do(addr, func() (any, error) {
		conn, err := grpc.NewClient(addr, p.opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			conn.Close()
			return nil, ErrClosed
		}
		if existing, ok := p.conns[addr]; ok {
			conn.Close()
			return existing, nil
		}
		p.conns[addr] = conn
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*grpc.ClientConn), nil
}

// number of cached connections
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var first error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", addr, err)
		}
	}
	clear(p.conns)
	return first
}

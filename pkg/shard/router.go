// Package shard routes requests to a fixed pool of single-threaded actors.
//
// Every key hashes to exactly one actor for the lifetime of the router, so the
// actor can own its state without locks: requests for one key are processed one
// at a time in arrival order while distinct actors run in parallel.
package shard

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/types"
)

// actor processes one request at a time to completion
type Actor[Req, Resp any] interface {
	Receive(ctx context.Context, req Req) Resp
}

type Options struct {
	// name used for logs and metric labels, e.g. "consistent-locks"
	Name string
	// number of actors, defaults to DefaultWorkers()
	Workers int
	// per-actor queue capacity, defaults to 1024
	MailboxSize int
	Logger      hclog.Logger
}

// max(32, 4 x cores)
func DefaultWorkers() int {
	return max(32, 4*runtime.NumCPU())
}

type envelope[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply chan Resp
}

type worker[Req, Resp any] struct {
	actor   Actor[Req, Resp]
	mailbox chan *envelope[Req, Resp]
}

type Router[Req, Resp any] struct {
	name    string
	log     hclog.Logger
	workers []*worker[Req, Resp]

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// spawns opts.Workers actors built by factory and starts their loops
func New[Req, Resp any](opts Options, factory func(index int) Actor[Req, Resp]) *Router[Req, Resp] {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	r := &Router[Req, Resp]{
		name:    opts.Name,
		log:     opts.Logger,
		workers: make([]*worker[Req, Resp], opts.Workers),
	}

	for i := range r.workers {
		w := &worker[Req, Resp]{
			actor:   factory(i),
			mailbox: make(chan *envelope[Req, Resp], opts.MailboxSize),
		}
		r.workers[i] = w

		r.wg.Add(1)
		go r.run(w)
	}

	r.log.Debug("shard router started", "router", r.name, "workers", opts.Workers, "mailbox", opts.MailboxSize)

	return r
}

// index of the actor owning key
func (r *Router[Req, Resp]) IndexOf(key string) int {
	return Index(key, len(r.workers), "")
}

func (r *Router[Req, Resp]) Size() int {
	return len(r.workers)
}

// sends req to the actor owning key and waits for its reply
// a cancelled ctx aborts the request only until the actor picks it up,
// after that the request runs to completion and the reply is discarded
func (r *Router[Req, Resp]) Ask(ctx context.Context, key string, req Req) (Resp, error) {
	var zero Resp
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return zero, types.ErrRouterClosed
	}

	w := r.workers[r.IndexOf(key)]
	env := &envelope[Req, Resp]{
		ctx:   ctx,
		req:   req,
		reply: make(chan Resp, 1),
	}

	select {
	case w.mailbox <- env:
		metrics.ShardMailboxDepth.WithLabelValues(r.name).Inc()
	case <-ctx.Done():
		r.mu.RUnlock()
		return zero, ctx.Err()
	}
	r.mu.RUnlock()

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// sends req to every actor and waits for all replies, in index order
// each actor sees req after everything already queued in its mailbox
func (r *Router[Req, Resp]) Broadcast(ctx context.Context, req Req) ([]Resp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, types.ErrRouterClosed
	}

	envs := make([]*envelope[Req, Resp], len(r.workers))
	for i, w := range r.workers {
		envs[i] = &envelope[Req, Resp]{
			ctx:   ctx,
			req:   req,
			reply: make(chan Resp, 1),
		}

		select {
		case w.mailbox <- envs[i]:
			metrics.ShardMailboxDepth.WithLabelValues(r.name).Inc()
		case <-ctx.Done():
			r.mu.RUnlock()
			return nil, ctx.Err()
		}
	}
	r.mu.RUnlock()

	out := make([]Resp, len(envs))
	for i, env := range envs {
		select {
		case out[i] = <-env.reply:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// calls fn for every actor, in index order
// fn must only read state that is safe to read concurrently with the actor loop
func (r *Router[Req, Resp]) Each(fn func(index int, actor Actor[Req, Resp])) {
	for i, w := range r.workers {
		fn(i, w.actor)
	}
}

// stops accepting requests, drains queued ones and waits for every actor loop to exit
func (r *Router[Req, Resp]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, w := range r.workers {
		close(w.mailbox)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Debug("shard router stopped", "router", r.name)
}

func (r *Router[Req, Resp]) run(w *worker[Req, Resp]) {
	defer r.wg.Done()

	for env := range w.mailbox {
		metrics.ShardMailboxDepth.WithLabelValues(r.name).Dec()

		//caller gave up before we got to it
		if env.ctx.Err() != nil {
			metrics.ShardCancelledTotal.WithLabelValues(r.name).Inc()
			continue
		}

		start := time.Now()
		resp := w.actor.Receive(env.ctx, env.req)
		metrics.ShardRequestDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())

		env.reply <- resp
	}
}

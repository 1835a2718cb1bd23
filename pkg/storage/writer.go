package storage

import (
	"context"
	"strconv"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/tessera/pkg/metrics"
	"github.com/pixperk/tessera/pkg/types"
)

// committed mutation waiting to be persisted
// exactly one of Lock or KeyValue is set
type Write struct {
	Partition int
	Lock      *LockRecord
	KeyValue  *KeyValueRecord
}

type WriterOptions struct {
	// number of ordered queues, one per consensus partition
	Partitions int
	// capacity of each queue, Enqueue blocks once it is full
	QueueSize int
	Logger    hclog.Logger
}

type writerItem struct {
	write *Write
	flush chan struct{}
}

// background writer persisting committed mutations off the request path
// each partition has its own bounded FIFO drained by a dedicated goroutine,
// so persisted order never inverts relative to the replication log
type Writer struct {
	store  Store
	log    hclog.Logger
	queues []chan writerItem

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	w := &Writer{
		store:  store,
		log:    opts.Logger,
		queues: make([]chan writerItem, opts.Partitions),
	}

	for i := range w.queues {
		w.queues[i] = make(chan writerItem, opts.QueueSize)
		w.wg.Add(1)
		go w.run(i, w.queues[i])
	}

	return w
}

func (w *Writer) Partitions() int {
	return len(w.queues)
}

// queues a write on its partition, blocking while the queue is full
func (w *Writer) Enqueue(ctx context.Context, write Write) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return types.ErrWriterClosed
	}

	partition := w.slot(write.Partition)
	select {
	case w.queues[partition] <- writerItem{write: &write}:
		metrics.WriterQueueDepth.WithLabelValues(strconv.Itoa(partition)).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waits until every write queued before the call has been persisted
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return types.ErrWriterClosed
	}

	barriers := make([]chan struct{}, len(w.queues))
	for i, q := range w.queues {
		barriers[i] = make(chan struct{})
		select {
		case q <- writerItem{flush: barriers[i]}:
		case <-ctx.Done():
			w.mu.RUnlock()
			return ctx.Err()
		}
	}
	w.mu.RUnlock()

	for _, b := range barriers {
		select {
		case <-b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// stops accepting writes and waits for queued ones to be persisted
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Writer) slot(partition int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % len(w.queues)
}

func (w *Writer) run(partition int, queue chan writerItem) {
	defer w.wg.Done()

	label := strconv.Itoa(partition)
	for item := range queue {
		if item.flush != nil {
			close(item.flush)
			continue
		}

		metrics.WriterQueueDepth.WithLabelValues(label).Dec()
		w.persist(item.write)
	}
}

// failures are logged and counted, a write is never retried out of order
func (w *Writer) persist(write *Write) {
	ctx := context.Background()

	switch {
	case write.Lock != nil:
		if err := w.store.StoreLock(ctx, *write.Lock); err != nil {
			metrics.WriterWritesTotal.WithLabelValues("lock", "failure").Inc()
			w.log.Error("failed to persist lock", "resource", write.Lock.Resource, "partition", write.Partition, "error", err)
			return
		}
		metrics.WriterWritesTotal.WithLabelValues("lock", "success").Inc()

	case write.KeyValue != nil:
		if err := w.store.StoreKeyValue(ctx, *write.KeyValue); err != nil {
			metrics.WriterWritesTotal.WithLabelValues("keyvalue", "failure").Inc()
			w.log.Error("failed to persist key-value", "key", write.KeyValue.Key, "partition", write.Partition, "error", err)
			return
		}
		metrics.WriterWritesTotal.WithLabelValues("keyvalue", "success").Inc()

	default:
		w.log.Warn("dropping empty write", "partition", write.Partition)
	}
}

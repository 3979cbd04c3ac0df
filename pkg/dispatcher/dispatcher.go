// Package dispatcher implements partition-addressed work queues drawn from
// a shared bounded worker pool, guaranteeing at most one active worker per
// partitionKey at a time while round-robin fairness prevents any single
// partition from starving the others.
package dispatcher

import (
	"context"
	"errors"
	"sync"

	"github.com/go-logr/logr"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/trade"
)

// WorkItem is one unit of partition-serialized work.
type WorkItem struct {
	PartitionKey string
	JobID        string
	Request      *trade.TradeRequest
	// Attempt counts delivery attempts, starting at 1. A handler that fails
	// with a retryable error resubmits with Attempt+1 up to its own budget.
	Attempt int
	// GapRelease marks an item the sequence buffer released past its hold
	// deadline with no predecessor: the handler must skip sequence
	// admission and commit with the gap allowed.
	GapRelease bool
	// FromSequenceBuffer marks a redelivery of an item this worker already
	// registered an idempotency record for before parking it in the
	// sequence buffer (drained once its predecessor commits, or released
	// by the hold-deadline sweep). The handler must not treat its own
	// still-PROCESSING record as a duplicate on this redelivery.
	FromSequenceBuffer bool
}

// Handler processes one WorkItem. It is invoked by exactly one worker at a
// time per partitionKey, never concurrently for the same partition.
type Handler func(ctx context.Context, item WorkItem) error

// ErrStopped is returned by Submit once the dispatcher has been stopped.
var ErrStopped = errors.New("dispatcher is stopped")

// Dispatcher schedules WorkItems onto a fixed-size worker pool such that
// each partitionKey's items are processed strictly in submission order by
// a single worker at a time, while distinct partitions proceed in parallel.
type Dispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queues    map[string][]WorkItem
	active    map[string]bool // queued-for-pickup or currently being worked
	readyKeys []string
	stopped   bool

	handler Handler
	workers int
	wg      sync.WaitGroup
	logger  logr.Logger
}

func New(workers int, handler Handler, logger logr.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		queues:  make(map[string][]WorkItem),
		active:  make(map[string]bool),
		handler: handler,
		workers: workers,
		logger:  logger,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool. Call Stop to drain and shut it down.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
}

// Submit enqueues item onto its partition's queue. If the partition has no
// worker currently assigned, it is scheduled to the tail of the round-robin
// order; otherwise it simply waits behind the partition's in-flight item.
func (d *Dispatcher) Submit(item WorkItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	d.queues[item.PartitionKey] = append(d.queues[item.PartitionKey], item)
	if !d.active[item.PartitionKey] {
		d.active[item.PartitionKey] = true
		d.readyKeys = append(d.readyKeys, item.PartitionKey)
	}
	d.cond.Signal()
	return nil
}

// Stop signals all workers to exit once their queues drain and blocks until
// they do.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()
	for {
		item, key, ok := d.next()
		if !ok {
			return
		}
		if err := d.handler(ctx, item); err != nil {
			d.logger.Error(err, "partition work item failed", "partitionKey", key, "jobId", item.JobID)
		}
		d.complete(key)
	}
}

// next blocks until a partition is ready to be worked or the dispatcher has
// stopped with no remaining work, in which case it returns ok=false.
func (d *Dispatcher) next() (WorkItem, string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.readyKeys) == 0 {
		if d.stopped {
			return WorkItem{}, "", false
		}
		d.cond.Wait()
	}
	key := d.readyKeys[0]
	d.readyKeys = d.readyKeys[1:]
	item := d.queues[key][0]
	d.queues[key] = d.queues[key][1:]
	return item, key, true
}

// complete releases the single-active-worker slot for key, requeuing it at
// the tail of the round-robin order if more work arrived while it ran.
func (d *Dispatcher) complete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queues[key]) > 0 {
		d.readyKeys = append(d.readyKeys, key)
	} else {
		delete(d.queues, key)
		d.active[key] = false
	}
	d.cond.Signal()
}

// PendingCount reports the number of queued (not yet dispatched) items for
// a partition, for status/diagnostic surfaces.
func (d *Dispatcher) PendingCount(partitionKey string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues[partitionKey])
}

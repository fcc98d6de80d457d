// Package notify fans tracker updates out to best-effort sinks (a messaging
// bot and a broadcast channel) through a bounded, sharded work queue.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dmitrijs2005/mediaingest/internal/logging"
	"github.com/dmitrijs2005/mediaingest/internal/server/metrics"
	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
)

// Sink delivers one session update somewhere. Errors are logged by the
// dispatcher and never retried.
type Sink interface {
	Name() string
	Handle(ctx context.Context, s tracker.Snapshot) error
}

var ErrStopped = errors.New("dispatcher stopped")

// Dispatcher queues tracker snapshots and delivers them to every sink.
// Updates of one upload id always land on the same worker, so a sink sees
// them in order. When a worker queue is full new updates are rejected.
type Dispatcher struct {
	sinks   []Sink
	queues  []chan tracker.Snapshot
	log     logging.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(sinks []Sink, workers, queueSize int, log logging.Logger, m *metrics.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		sinks:   sinks,
		queues:  make([]chan tracker.Snapshot, workers),
		log:     log.With("module", "notify"),
		metrics: m,
	}
	for i := range d.queues {
		d.queues[i] = make(chan tracker.Snapshot, queueSize)
	}
	return d
}

// Observe enqueues s without blocking. It is meant to be registered with
// tracker.Tracker.OnUpdate.
func (d *Dispatcher) Observe(s tracker.Snapshot) {
	if err := d.Enqueue(s); err != nil {
		d.metrics.NotifyDropped.Inc()
		d.log.Debug(context.Background(), "progress event dropped", "upload_id", s.ID, "error", err)
	}
}

var errQueueFull = errors.New("notification queue full")

// Enqueue is the non-blocking hand-off behind Observe.
func (d *Dispatcher) Enqueue(s tracker.Snapshot) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	q := d.queues[shard(s.ID, len(d.queues))]
	select {
	case q <- s:
		return nil
	default:
		return errQueueFull
	}
}

// Start launches one goroutine per queue. Sink calls get ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for _, q := range d.queues {
		d.wg.Add(1)
		go d.work(ctx, q)
	}
}

// Shutdown stops accepting events and waits for queued ones to be delivered
// or for ctx to expire.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(ctx context.Context, q <-chan tracker.Snapshot) {
	defer d.wg.Done()
	for s := range q {
		d.deliver(ctx, s)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s tracker.Snapshot) {
	for _, sink := range d.sinks {
		if err := sink.Handle(ctx, s); err != nil {
			d.metrics.NotifyFailures.WithLabelValues(sink.Name()).Inc()
			d.log.Warn(ctx, "notification failed", "sink", sink.Name(), "upload_id", s.ID, "error", err)
		}
	}
}

func shard(id string, n int) int {
	return int(xxhash.Sum64String(id) % uint64(n))
}

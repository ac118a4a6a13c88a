// Package dispatcher implements the Worker Pool/Dispatcher (C6): it owns a
// fixed set of single-threaded JS isolate workers and routes each incoming
// request to exactly one of them. Routing is round-robin with a
// work-stealing fallback across the remaining workers and a final blocking
// send, never a shared free-isolate queue — each worker is reached only
// through its own bounded command channel.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/titanrun/titan/internal/domain"
	"github.com/titanrun/titan/internal/fastpath"
	"github.com/titanrun/titan/internal/jsruntime"
)

// Worker is the narrow surface the dispatcher needs from a jsruntime.Worker;
// kept as an interface so tests can substitute a fake.
type Worker interface {
	TrySubmit(data domain.RequestData, reply chan jsruntime.Result) bool
	Submit(ctx context.Context, data domain.RequestData, reply chan jsruntime.Result) error
}

// Dispatcher fans requests out across a pool of workers and short-circuits
// through the fast-path registry when an action was proven constant.
type Dispatcher struct {
	workers []Worker
	next    uint64

	mu       sync.RWMutex
	fastPath *fastpath.Registry
}

// New constructs a Dispatcher over workers, consulting registry before ever
// touching a worker.
func New(workers []Worker, registry *fastpath.Registry) *Dispatcher {
	return &Dispatcher{workers: workers, fastPath: registry}
}

// SetFastPath atomically swaps the fast-path registry, used after the
// invalidation bus triggers a bundle re-scan and re-analysis.
func (d *Dispatcher) SetFastPath(registry *fastpath.Registry) {
	d.mu.Lock()
	d.fastPath = registry
	d.mu.Unlock()
}

// Dispatch routes one request. If action has a registered fast-path
// response, it is returned directly without touching any worker. Otherwise
// the request is tried, in order, against a round-robin starting worker,
// every other worker (work stealing), and finally sent with a blocking
// send to the starting worker.
func (d *Dispatcher) Dispatch(ctx context.Context, data domain.RequestData) (*domain.StaticResponse, jsruntime.Result, error) {
	d.mu.RLock()
	fp := d.fastPath
	d.mu.RUnlock()
	if resp, ok := fp.Lookup(data.ActionName); ok {
		return resp, jsruntime.Result{}, nil
	}

	n := len(d.workers)
	if n == 0 {
		return nil, jsruntime.Result{}, fmt.Errorf("dispatcher: no workers configured")
	}

	reply := make(chan jsruntime.Result, 1)
	start := int(atomic.AddUint64(&d.next, 1)-1) % n

	if d.workers[start].TrySubmit(data, reply) {
		return nil, d.await(ctx, reply)
	}

	for k := 1; k < n; k++ {
		idx := (start + k) % n
		if d.workers[idx].TrySubmit(data, reply) {
			return nil, d.await(ctx, reply)
		}
	}

	if err := d.workers[start].Submit(ctx, data, reply); err != nil {
		return nil, jsruntime.Result{}, err
	}
	return nil, d.await(ctx, reply)
}

func (d *Dispatcher) await(ctx context.Context, reply chan jsruntime.Result) jsruntime.Result {
	select {
	case res := <-reply:
		return res
	case <-ctx.Done():
		return jsruntime.Result{Err: ctx.Err()}
	}
}

// Len reports the pool size, used by the admin control plane's GetPoolStats.
func (d *Dispatcher) Len() int { return len(d.workers) }

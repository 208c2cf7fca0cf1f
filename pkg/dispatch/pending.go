package dispatch

import (
	"sort"
	"sync"

	"github.com/cuemby/provisor/pkg/metrics"
	"github.com/cuemby/provisor/pkg/types"
)

// PendingQueue holds placement requests no agent could take. It is only
// drained when the registry changes or on an explicit retrigger.
type PendingQueue struct {
	mu    sync.Mutex
	items []*PlacementRequest
}

// NewPendingQueue creates an empty queue
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Add inserts a request in index order. A request already queued is
// ignored.
func (q *PendingQueue) Add(req *PlacementRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, existing := range q.items {
		if existing.ID == req.ID {
			return
		}
	}
	i := sort.Search(len(q.items), func(i int) bool { return q.items[i].Index > req.Index })
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = req
	q.report()
}

// Drain removes and returns every request in index order
func (q *PendingQueue) Drain() []*PlacementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.items
	q.items = nil
	q.report()
	return out
}

// Remove drops every request for a spec key and returns how many
func (q *PendingQueue) Remove(key string) int {
	return q.Trim(key, -1)
}

// Trim drops up to n requests for a spec key, newest first. A negative n
// drops them all.
func (q *PendingQueue) Trim(key string, n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for i := len(q.items) - 1; i >= 0; i-- {
		if n >= 0 && removed >= n {
			break
		}
		if q.items[i].Spec.Key() == key {
			q.items = append(q.items[:i], q.items[i+1:]...)
			removed++
		}
	}
	q.report()
	return removed
}

// Update points queued requests for spec's key at the new spec, keeping
// each request's instance sequence
func (q *PendingQueue) Update(spec *types.ServiceSpec) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := spec.Key()
	for _, req := range q.items {
		if req.Spec.Key() == key {
			req.Spec = spec.WithInstance(req.Spec.Instance)
		}
	}
}

// Requests returns copies of the queued requests in index order without
// removing them
func (q *PendingQueue) Requests() []*PlacementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*PlacementRequest, 0, len(q.items))
	for _, req := range q.items {
		c := *req
		out = append(out, &c)
	}
	return out
}

// Len returns the number of queued requests
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Count returns the number of queued requests for a spec key
func (q *PendingQueue) Count(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, req := range q.items {
		if req.Spec.Key() == key {
			n++
		}
	}
	return n
}

func (q *PendingQueue) report() {
	metrics.PendingQueueDepth.Set(float64(len(q.items)))
}

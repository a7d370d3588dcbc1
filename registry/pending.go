package registry

import (
	"sync"
	"time"
)

// PendingUpdate is a heartbeat snapshot waiting to be applied by the reaper.
type PendingUpdate struct {
	Identity Identity
	Snapshot Snapshot
	Received time.Time
}

// PendingQueue collects heartbeat snapshots between reaper cycles. A newer
// snapshot for the same identity replaces the older one; drain order is
// first-arrival order.
type PendingQueue struct {
	mu    sync.Mutex
	order []Identity
	byID  map[Identity]PendingUpdate
}

// NewPendingQueue creates an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{byID: make(map[Identity]PendingUpdate)}
}

// Push queues u, coalescing with any queued update for the same identity.
func (q *PendingQueue) Push(u PendingUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[u.Identity]; !ok {
		q.order = append(q.order, u.Identity)
	}
	q.byID[u.Identity] = u
}

// Drain removes and returns every queued update.
func (q *PendingQueue) Drain() []PendingUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return nil
	}
	out := make([]PendingUpdate, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.byID[id])
	}
	q.order = nil
	q.byID = make(map[Identity]PendingUpdate)
	return out
}

// Discard drops a queued update for id, if any.
func (q *PendingQueue) Discard(id Identity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[id]; !ok {
		return
	}
	delete(q.byID, id)
	for i, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of queued identities.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

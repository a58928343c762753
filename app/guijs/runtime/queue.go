package runtime

import "sync"

// PendingUpdateQueue is the ordered set of dependencies waiting for the user's
// update decision. Reconciliation writes it, the update task drains it once.
type PendingUpdateQueue struct {
	mu      sync.Mutex
	names   []string
	seen    map[string]struct{}
	drained bool
}

// NewPendingUpdateQueue returns an empty queue.
func NewPendingUpdateQueue() *PendingUpdateQueue {
	return &PendingUpdateQueue{seen: make(map[string]struct{})}
}

// Enqueue adds name unless it was already enqueued or the queue was drained.
func (q *PendingUpdateQueue) Enqueue(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drained {
		return false
	}
	if _, ok := q.seen[name]; ok {
		return false
	}
	q.seen[name] = struct{}{}
	q.names = append(q.names, name)
	return true
}

// Len reports the number of names waiting.
func (q *PendingUpdateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.names)
}

// Snapshot copies the waiting names without consuming them.
func (q *PendingUpdateQueue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.names))
	copy(out, q.names)
	return out
}

// Drain hands out every waiting name in enqueue order and empties the queue.
// Only the first call returns names; ok is false for every later call.
func (q *PendingUpdateQueue) Drain() (names []string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drained {
		return nil, false
	}
	q.drained = true
	names = q.names
	q.names = nil
	return names, true
}

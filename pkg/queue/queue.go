// Package queue implements the Task Queue (component F): a priority
// queue keyed by (priority asc, submitted_at asc) with O(n) removal by
// id. It holds no admission policy — the Task Manager owns that.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/cuemby/taskcore/pkg/types"
)

// item is one heap slot; index is maintained by container/heap for
// O(log n) fixups.
type item struct {
	descriptor types.Descriptor
	index      int
}

// priorityHeap implements heap.Interface over items ordered by
// (priority asc, submitted_at asc).
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].descriptor.Priority != h[j].descriptor.Priority {
		return h[i].descriptor.Priority < h[j].descriptor.Priority
	}
	return h[i].descriptor.SubmittedAt.Before(h[j].descriptor.SubmittedAt)
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue of task descriptors.
type Queue struct {
	mu       sync.Mutex
	heap     priorityHeap
	byID     map[string]*item
	notEmpty chan struct{}
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{
		byID:     make(map[string]*item),
		notEmpty: make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// Push inserts a descriptor. Pushing a descriptor whose id is already
// present replaces the queued one and re-orders it by the new
// descriptor's priority and submitted-at time.
func (q *Queue) Push(d types.Descriptor) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.byID[d.ID]; ok {
		existing.descriptor = d
		heap.Fix(&q.heap, existing.index)
		return
	}

	it := &item{descriptor: d}
	heap.Push(&q.heap, it)
	q.byID[d.ID] = it
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head descriptor, blocking up to timeout
// if the queue is empty. The zero timeout means "return immediately".
func (q *Queue) Pop(timeout time.Duration) (types.Descriptor, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			it := heap.Pop(&q.heap).(*item)
			delete(q.byID, it.descriptor.ID)
			q.mu.Unlock()
			return it.descriptor, true
		}
		q.mu.Unlock()

		if timeout <= 0 {
			return types.Descriptor{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Descriptor{}, false
		}
		select {
		case <-q.notEmpty:
		case <-time.After(remaining):
			return types.Descriptor{}, false
		}
	}
}

// Peek returns the head descriptor without removing it.
func (q *Queue) Peek() (types.Descriptor, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return types.Descriptor{}, false
	}
	return q.heap[0].descriptor, true
}

// RemoveByID removes a descriptor by id, returning false if absent.
func (q *Queue) RemoveByID(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, it.index)
	delete(q.byID, id)
	return true
}

// Count returns the number of queued descriptors.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Snapshot returns a copy of the queue contents ordered by effective
// priority (priority asc, submitted_at asc), without mutating it.
func (q *Queue) Snapshot() []types.Descriptor {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make(priorityHeap, len(q.heap))
	for i, it := range q.heap {
		dup := *it
		cp[i] = &dup
	}
	heap.Init(&cp)

	out := make([]types.Descriptor, 0, len(cp))
	for cp.Len() > 0 {
		it := heap.Pop(&cp).(*item)
		out = append(out, it.descriptor)
	}
	return out
}

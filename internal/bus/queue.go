package bus

import (
	"container/heap"
	"sync"
)

// queuedItem is a message waiting for the worker pool, paired with
// the future that resolves once dispatch finishes.
type queuedItem struct {
	msg    Message
	future *Future
	seq    uint64
}

// priorityQueue is a bounded queue. Below the contention threshold it
// behaves as plain FIFO; once depth exceeds the threshold, higher
// priority messages preempt lower ones at the head. Within one
// priority, FIFO order always holds.
type priorityQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     itemHeap
	capacity  int
	threshold int
	nextSeq   uint64
	closed    bool
}

func newPriorityQueue(capacity, threshold int) *priorityQueue {
	q := &priorityQueue{
		capacity:  capacity,
		threshold: threshold,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues an item. Returns false when the queue is full or closed.
func (q *priorityQueue) push(item *queuedItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.items) >= q.capacity {
		return false
	}
	item.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, item)
	q.cond.Signal()
	return true
}

// pop blocks until an item is available or the queue is closed.
// Under the threshold the oldest item wins; over it, the highest
// priority item wins.
func (q *priorityQueue) pop() (*queuedItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	if len(q.items) <= q.threshold {
		// FIFO: take the lowest sequence regardless of priority.
		idx := 0
		for i, item := range q.items {
			if item.seq < q.items[idx].seq {
				idx = i
			}
		}
		item := q.items[idx]
		heap.Remove(&q.items, idx)
		return item, true
	}

	item := heap.Pop(&q.items).(*queuedItem)
	return item, true
}

func (q *priorityQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close wakes all waiters. Remaining items stay poppable until drained.
func (q *priorityQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// itemHeap orders by priority descending, then sequence ascending.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*queuedItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

type timerKind int

const (
	timerTimeout timerKind = iota // running task exceeded its deadline
	timerRetry                    // queued task is due to start again
)

type timerKey struct {
	taskID string
	kind   timerKind
}

type delayItem struct {
	key    timerKey
	fireAt time.Time
	seq    uint64
	index  int
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *delayHeap) Push(x any) {
	item := x.(*delayItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// delayQueue is the scheduler-owned delayed-work queue for retries and
// timeouts, ordered by fire time. At most one item exists per key.
type delayQueue struct {
	mu    sync.Mutex
	items delayHeap
	byKey map[timerKey]*delayItem
	seq   uint64
	wake  chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{
		byKey: make(map[timerKey]*delayItem),
		wake:  make(chan struct{}, 1),
	}
}

// schedule adds or replaces the item for key.
func (q *delayQueue) schedule(taskID string, kind timerKind, at time.Time) {
	q.mu.Lock()
	key := timerKey{taskID: taskID, kind: kind}
	q.seq++
	if item, ok := q.byKey[key]; ok {
		item.fireAt = at
		item.seq = q.seq
		heap.Fix(&q.items, item.index)
	} else {
		item := &delayItem{key: key, fireAt: at, seq: q.seq}
		heap.Push(&q.items, item)
		q.byKey[key] = item
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// cancel removes the item for key, if any.
func (q *delayQueue) cancel(taskID string, kind timerKind) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := timerKey{taskID: taskID, kind: kind}
	if item, ok := q.byKey[key]; ok {
		heap.Remove(&q.items, item.index)
		delete(q.byKey, key)
	}
}

// cancelAll removes every item for taskID.
func (q *delayQueue) cancelAll(taskID string) {
	q.cancel(taskID, timerTimeout)
	q.cancel(taskID, timerRetry)
}

// due pops every item whose fire time is at or before now, in fire order.
func (q *delayQueue) due(now time.Time) []timerKey {
	q.mu.Lock()
	defer q.mu.Unlock()

	var keys []timerKey
	for len(q.items) > 0 && !q.items[0].fireAt.After(now) {
		item := heap.Pop(&q.items).(*delayItem)
		delete(q.byKey, item.key)
		keys = append(keys, item.key)
	}
	return keys
}

// next returns the earliest fire time.
func (q *delayQueue) next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].fireAt, true
}

func (q *delayQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

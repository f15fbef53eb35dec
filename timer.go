package fmtp

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type delayItem struct {
	prodIndex uint32
	deadline  time.Time
	seq       uint64
}

type delayHeap []*delayItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(*delayItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// DelayQueue is a priority queue of deadlines: entries keyed
// by (prodIndex, deadline), popped in deadline order by a single consumer
// that blocks until the earliest entry is due or the queue is disabled.
type DelayQueue struct {
	mu       sync.Mutex
	items    delayHeap
	seq      uint64
	disabled atomic.Bool

	// wake is signalled (non-blocking, capacity 1) on every Push, so a
	// blocked Pop re-reads the head instead of sleeping past a newer,
	// earlier entry.
	wake chan struct{}
	// closed is closed exactly once, by Disable, to broadcast to every
	// blocked and future Pop call.
	closed chan struct{}
}

// NewDelayQueue returns an empty, enabled DelayQueue.
func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// ErrDisabled is returned by Pop once the queue has been Disabled.
var ErrDisabled = errDisabled{}

type errDisabled struct{}

func (errDisabled) Error() string { return "fmtp: delay queue disabled" }

// Push schedules prodIndex to become due after delay and returns
// immediately. Push never fails; pushing to a disabled queue is a silent
// no-op (there is no consumer left to observe it).
func (q *DelayQueue) Push(prodIndex uint32, delay time.Duration) {
	if q.disabled.Load() {
		return
	}
	q.mu.Lock()
	item := &delayItem{prodIndex: prodIndex, deadline: time.Now().Add(delay), seq: q.seq}
	q.seq++
	heap.Push(&q.items, item)
	q.mu.Unlock()
	q.signalWake()
}

func (q *DelayQueue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop blocks until the earliest-deadline entry becomes due, then removes
// and returns it. It returns ErrDisabled once Disable has been called,
// whether or not entries remain queued.
func (q *DelayQueue) Pop() (uint32, error) {
	for {
		if q.disabled.Load() {
			return 0, ErrDisabled
		}
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.wake:
			case <-q.closed:
			}
			continue
		}
		head := q.items[0]
		now := time.Now()
		if !head.deadline.After(now) {
			heap.Pop(&q.items)
			q.mu.Unlock()
			return head.prodIndex, nil
		}
		wait := head.deadline.Sub(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-q.closed:
			timer.Stop()
		}
	}
}

// Disable unblocks every current and future Pop call with ErrDisabled.
// Idempotent: calling it more than once has no further effect.
func (q *DelayQueue) Disable() {
	if q.disabled.CompareAndSwap(false, true) {
		close(q.closed)
	}
}

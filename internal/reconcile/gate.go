package reconcile

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// gate serializes work per campaign inside one process. Each campaign has its
// own queue; unrelated campaigns never contend. Waiters are granted in order
// of their order key, ties broken by arrival.
type gate struct {
	mu      sync.Mutex
	queues  map[string]*campaignQueue
	arrival uint64
}

type campaignQueue struct {
	held    bool
	refs    int
	waiters waiterHeap
}

type waiter struct {
	orderKey time.Time
	arrival  uint64
	ready    chan struct{}
	granted  bool
	index    int
}

func newGate() *gate {
	return &gate{queues: make(map[string]*campaignQueue)}
}

// acquire blocks until the caller holds the campaign slot or ctx is done. The
// returned release must be called exactly once.
func (g *gate) acquire(ctx context.Context, campaignID string, orderKey time.Time) (func(), error) {
	g.mu.Lock()
	q, ok := g.queues[campaignID]
	if !ok {
		q = &campaignQueue{}
		g.queues[campaignID] = q
	}
	q.refs++
	g.arrival++
	if !q.held && q.waiters.Len() == 0 {
		q.held = true
		g.mu.Unlock()
		return g.releaser(campaignID), nil
	}
	w := &waiter{orderKey: orderKey, arrival: g.arrival, ready: make(chan struct{})}
	heap.Push(&q.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.releaser(campaignID), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// handed the slot while giving up; pass it on
			g.mu.Unlock()
			g.release(campaignID)
			return nil, ctx.Err()
		}
		heap.Remove(&q.waiters, w.index)
		g.dropRefLocked(campaignID, q)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (g *gate) releaser(campaignID string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { g.release(campaignID) })
	}
}

func (g *gate) release(campaignID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseLocked(campaignID)
}

func (g *gate) releaseLocked(campaignID string) {
	q, ok := g.queues[campaignID]
	if !ok {
		return
	}
	if q.waiters.Len() > 0 {
		next := heap.Pop(&q.waiters).(*waiter)
		next.granted = true
		close(next.ready)
	} else {
		q.held = false
	}
	g.dropRefLocked(campaignID, q)
}

func (g *gate) dropRefLocked(campaignID string, q *campaignQueue) {
	q.refs--
	if q.refs <= 0 {
		delete(g.queues, campaignID)
	}
}

// active reports how many campaigns currently have a holder or waiters.
func (g *gate) active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queues)
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if !h[i].orderKey.Equal(h[j].orderKey) {
		return h[i].orderKey.Before(h[j].orderKey)
	}
	return h[i].arrival < h[j].arrival
}

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

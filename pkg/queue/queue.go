// Package queue provides the per-role priority dispatch queue.
//
// Each role owns one logical queue ordered by (priority ascending, enqueue
// sequence ascending): priority is primary, FIFO breaks ties, so
// equal-priority messages never starve and ordering is deterministic.
package queue

import (
	"container/heap"
	"context"
	"sync"

	"github.com/jllopis/troupe/pkg/core"
	"github.com/jllopis/troupe/pkg/errors"
	"github.com/jllopis/troupe/pkg/registry"
)

// DefaultCapacity bounds each role's backlog when no capacity is configured.
const DefaultCapacity = 1000

type item struct {
	msg core.Message
	seq uint64
}

type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority < h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type roleQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  itemHeap
	closed bool
}

func newRoleQueue() *roleQueue {
	rq := &roleQueue{}
	rq.cond = sync.NewCond(&rq.mu)
	return rq
}

// Queue holds one priority-ordered backlog per role. Enqueue admission is
// checked against the registry; dequeue suspends cooperatively until a
// message arrives, the queue closes, or the caller's context ends.
type Queue struct {
	reg      *registry.Registry
	capacity int

	mu    sync.Mutex
	roles map[string]*roleQueue
	seq   uint64
}

// New creates a dispatch queue backed by the given registry. capacity caps
// each role's backlog; zero or negative selects DefaultCapacity.
func New(reg *registry.Registry, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		reg:      reg,
		capacity: capacity,
		roles:    make(map[string]*roleQueue),
	}
}

func (q *Queue) roleFor(id string) *roleQueue {
	q.mu.Lock()
	defer q.mu.Unlock()

	rq, ok := q.roles[id]
	if !ok {
		rq = newRoleQueue()
		q.roles[id] = rq
	}
	return rq
}

func (q *Queue) nextSeq() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return q.seq
}

// Enqueue appends a message to a role's backlog. It fails with
// ROLE_UNAVAILABLE when the role is disabled or failed and QUEUE_FULL when
// the backlog is at capacity.
func (q *Queue) Enqueue(roleID string, msg core.Message) error {
	if err := q.reg.Dispatchable(roleID); err != nil {
		return err
	}

	rq := q.roleFor(roleID)
	seq := q.nextSeq()

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if rq.closed {
		return errors.New(errors.CodeRoleUnavailable, "queue is closed", nil).
			WithContext("role", roleID)
	}
	if len(rq.items) >= q.capacity {
		return errors.New(errors.CodeQueueFull, "dispatch queue at capacity", nil).
			WithContext("role", roleID).
			WithContext("capacity", q.capacity)
	}
	heap.Push(&rq.items, item{msg: msg, seq: seq})
	rq.cond.Signal()
	return nil
}

// Requeue re-inserts a message for another delivery attempt, bypassing the
// dispatchability check so a degraded role can drain its retries. The
// message keeps its id; it receives a fresh sequence number.
func (q *Queue) Requeue(roleID string, msg core.Message) error {
	rq := q.roleFor(roleID)
	seq := q.nextSeq()

	rq.mu.Lock()
	defer rq.mu.Unlock()

	if rq.closed {
		return errors.New(errors.CodeRoleUnavailable, "queue is closed", nil).
			WithContext("role", roleID)
	}
	if len(rq.items) >= q.capacity {
		return errors.New(errors.CodeQueueFull, "dispatch queue at capacity", nil).
			WithContext("role", roleID)
	}
	heap.Push(&rq.items, item{msg: msg, seq: seq})
	rq.cond.Signal()
	return nil
}

// Dequeue removes the most urgent message for a role, blocking until one is
// available. The second return is false when the queue closed or ctx ended
// with no message to hand out. It never busy-waits.
func (q *Queue) Dequeue(ctx context.Context, roleID string) (core.Message, bool) {
	rq := q.roleFor(roleID)

	// Wake the cond wait when the caller's context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rq.cond.Broadcast()
		case <-done:
		}
	}()

	rq.mu.Lock()
	defer rq.mu.Unlock()

	for len(rq.items) == 0 {
		if rq.closed || ctx.Err() != nil {
			return core.Message{}, false
		}
		rq.cond.Wait()
	}
	it := heap.Pop(&rq.items).(item)
	return it.msg, true
}

// Close shuts every role queue; blocked Dequeue calls return false.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, rq := range q.roles {
		rq.mu.Lock()
		rq.closed = true
		rq.cond.Broadcast()
		rq.mu.Unlock()
	}
}

// Depth returns the number of messages waiting for a role.
func (q *Queue) Depth(roleID string) int {
	q.mu.Lock()
	rq, ok := q.roles[roleID]
	q.mu.Unlock()
	if !ok {
		return 0
	}

	rq.mu.Lock()
	defer rq.mu.Unlock()
	return len(rq.items)
}

// Stats describes one role's backlog occupancy.
type Stats struct {
	Depth       int
	Capacity    int
	Utilization float64
}

// StatsFor returns the backlog occupancy for a role.
func (q *Queue) StatsFor(roleID string) Stats {
	depth := q.Depth(roleID)
	return Stats{
		Depth:       depth,
		Capacity:    q.capacity,
		Utilization: float64(depth) / float64(q.capacity),
	}
}

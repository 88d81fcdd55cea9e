package engine

import (
	"container/heap"
	"time"
)

// opQueue 操作优先队列：priority 高者先出，同级按提交顺序（seq）稳定排序
// 非并发安全，由 Batcher 的锁保护
type opQueue struct {
	items []*PendingOperation
	pos   map[string]int // id → heap index, for cancellation
}

func newOpQueue() *opQueue {
	return &opQueue{pos: make(map[string]int)}
}

func (q *opQueue) Len() int { return len(q.items) }

func (q *opQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func (q *opQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.pos[q.items[i].ID] = i
	q.pos[q.items[j].ID] = j
}

func (q *opQueue) Push(x any) {
	op := x.(*PendingOperation)
	q.pos[op.ID] = len(q.items)
	q.items = append(q.items, op)
}

func (q *opQueue) Pop() any {
	n := len(q.items)
	op := q.items[n-1]
	q.items[n-1] = nil
	q.items = q.items[:n-1]
	delete(q.pos, op.ID)
	return op
}

// Enqueue inserts an operation.
func (q *opQueue) Enqueue(op *PendingOperation) {
	heap.Push(q, op)
}

// Dequeue removes and returns the highest-priority operation, nil if empty.
func (q *opQueue) Dequeue() *PendingOperation {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*PendingOperation)
}

// Remove deletes an operation by id (cancellation path).
func (q *opQueue) Remove(id string) *PendingOperation {
	idx, ok := q.pos[id]
	if !ok {
		return nil
	}
	return heap.Remove(q, idx).(*PendingOperation)
}

// Contains reports whether the id is still queued.
func (q *opQueue) Contains(id string) bool {
	_, ok := q.pos[id]
	return ok
}

// OldestCreatedAt returns the earliest CreatedAt among queued operations,
// zero time when empty. O(n), the queue stays small between cuts.
func (q *opQueue) OldestCreatedAt() (oldest time.Time) {
	for _, op := range q.items {
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	return oldest
}

// DrainAll empties the queue, returning the operations in pop order.
func (q *opQueue) DrainAll() []*PendingOperation {
	out := make([]*PendingOperation, 0, len(q.items))
	for q.Len() > 0 {
		out = append(out, q.Dequeue())
	}
	return out
}

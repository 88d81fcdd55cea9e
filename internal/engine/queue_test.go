package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queuedOp(id string, priority int) *PendingOperation {
	_, seq := newOperationID()
	return &PendingOperation{
		ID:        id,
		Kind:      OpTransfer,
		Priority:  priority,
		CreatedAt: time.Now(),
		seq:       seq,
	}
}

func TestOpQueue_PriorityOrder(t *testing.T) {
	q := newOpQueue()
	q.Enqueue(queuedOp("low", 1))
	q.Enqueue(queuedOp("high", 10))
	q.Enqueue(queuedOp("mid", 5))

	assert.Equal(t, "high", q.Dequeue().ID)
	assert.Equal(t, "mid", q.Dequeue().ID)
	assert.Equal(t, "low", q.Dequeue().ID)
	assert.Nil(t, q.Dequeue())
}

func TestOpQueue_FIFOWithinPriority(t *testing.T) {
	q := newOpQueue()
	for i := 0; i < 20; i++ {
		q.Enqueue(queuedOp(fmt.Sprintf("op-%02d", i), 5))
	}
	// 同优先级严格按提交顺序出队
	for i := 0; i < 20; i++ {
		assert.Equal(t, fmt.Sprintf("op-%02d", i), q.Dequeue().ID)
	}
}

func TestOpQueue_RemoveById(t *testing.T) {
	q := newOpQueue()
	q.Enqueue(queuedOp("a", 1))
	q.Enqueue(queuedOp("b", 2))
	q.Enqueue(queuedOp("c", 3))

	removed := q.Remove("b")
	require.NotNil(t, removed)
	assert.Equal(t, "b", removed.ID)
	assert.False(t, q.Contains("b"))
	assert.Nil(t, q.Remove("b"))

	// 剩余顺序不受影响
	assert.Equal(t, "c", q.Dequeue().ID)
	assert.Equal(t, "a", q.Dequeue().ID)
}

func TestOpQueue_OldestCreatedAt(t *testing.T) {
	q := newOpQueue()
	assert.True(t, q.OldestCreatedAt().IsZero())

	old := queuedOp("old", 1)
	old.CreatedAt = time.Now().Add(-time.Hour)
	q.Enqueue(queuedOp("new", 10))
	q.Enqueue(old)

	assert.Equal(t, old.CreatedAt, q.OldestCreatedAt())
}

func TestOpQueue_DrainAll(t *testing.T) {
	q := newOpQueue()
	q.Enqueue(queuedOp("a", 1))
	q.Enqueue(queuedOp("b", 9))

	drained := q.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, "b", drained[0].ID)
	assert.Equal(t, 0, q.Len())
}

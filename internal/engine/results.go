package engine

import (
	"context"
	"sync"
)

// resultTable 操作 ID → 终态结果/未决 future
// 终态结果写入后不可变更（replace, don't update 原则的单条版）
type resultTable struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
	done    map[string]*OperationResult
}

func newResultTable() *resultTable {
	return &resultTable{
		pending: make(map[string]chan struct{}),
		done:    make(map[string]*OperationResult),
	}
}

// Register creates the future for a newly submitted operation.
func (t *resultTable) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[id]; ok {
		return
	}
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = make(chan struct{})
	}
}

// Resolve publishes the terminal result exactly once. Later calls for the
// same id are ignored: a terminal state is immutable.
func (t *resultTable) Resolve(res *OperationResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[res.ID]; ok {
		return false
	}
	t.done[res.ID] = res
	if ch, ok := t.pending[res.ID]; ok {
		close(ch)
		delete(t.pending, res.ID)
	}
	return true
}

// Get returns (result, known). result is nil while the operation is still
// pending.
func (t *resultTable) Get(id string) (*OperationResult, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if res, ok := t.done[id]; ok {
		return res, true
	}
	_, pending := t.pending[id]
	return nil, pending
}

// IsTerminal reports whether the id has reached a terminal state.
func (t *resultTable) IsTerminal(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.done[id]
	return ok
}

// Known reports whether the id was ever registered.
func (t *resultTable) Known(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.done[id]; ok {
		return true
	}
	_, ok := t.pending[id]
	return ok
}

// Wait blocks until the operation reaches a terminal state or ctx expires.
func (t *resultTable) Wait(ctx context.Context, id string) (*OperationResult, error) {
	t.mu.Lock()
	if res, ok := t.done[id]; ok {
		t.mu.Unlock()
		return res, nil
	}
	ch, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		return nil, ErrUnknownOperation
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}

	t.mu.Lock()
	res := t.done[id]
	t.mu.Unlock()
	return res, nil
}

// PendingCount returns the number of unresolved operations.
func (t *resultTable) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

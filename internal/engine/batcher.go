package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"web3-txpool-go/internal/recovery"
)

// BatcherConfig 批处理配置
type BatcherConfig struct {
	MinBatchSize          int
	MaxBatchSize          int
	MaxOperationsPerBatch int
	MaxConcurrentBatches  int
	DispatchChunk         int // 批内并发上限
	BatchTimeout          time.Duration
}

// Batch 一次派发的临时分组
type Batch struct {
	ID        string
	Ops       []*PendingOperation // dependency-resolved order
	CreatedAt time.Time
	Reason    string // timer | size | flush | shutdown
}

// PoolEvent 推送给观察者的类型化事件
type PoolEvent struct {
	Type string `json:"type"` // breaker_change | batch_cut | batch_done | operation_done
	Data any    `json:"data"`
}

// EventSink receives pool events; the websocket hub implements it.
// Implementations must not block.
type EventSink interface {
	Publish(event PoolEvent)
}

// Batcher accumulates submitted operations in a stable priority queue and
// periodically cuts batches bounded by size and time. Before dispatch each
// batch is dependency-resolved (topological order, cycle detection) and
// grouped for connection locality; dispatch runs with bounded concurrency.
type Batcher struct {
	cfg      BatcherConfig
	executor *Executor
	metrics  *Metrics
	events   EventSink

	mu    sync.Mutex
	queue *opQueue

	results  *resultTable
	inFlight map[string]bool // ops handed to a batch, not yet terminal

	cutCh    chan string // cut reason
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	sem      chan struct{} // bounds concurrent in-flight batches

	batchSeq atomic.Uint64
	shutdown atomic.Bool

	// journalFn, when set, records terminal outcomes (audit only).
	journalFn func(*OperationResult)
}

// NewBatcher wires the batching engine. events and journalFn may be nil.
func NewBatcher(cfg BatcherConfig, executor *Executor, events EventSink, journalFn func(*OperationResult)) *Batcher {
	if cfg.MinBatchSize <= 0 {
		cfg.MinBatchSize = 1
	}
	if cfg.MaxBatchSize < cfg.MinBatchSize {
		cfg.MaxBatchSize = cfg.MinBatchSize
	}
	if cfg.MaxOperationsPerBatch <= 0 {
		cfg.MaxOperationsPerBatch = cfg.MaxBatchSize
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 3
	}
	if cfg.DispatchChunk <= 0 {
		cfg.DispatchChunk = 5
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	return &Batcher{
		cfg:       cfg,
		executor:  executor,
		metrics:   GetMetrics(),
		events:    events,
		queue:     newOpQueue(),
		results:   newResultTable(),
		inFlight:  make(map[string]bool),
		cutCh:     make(chan string, 1),
		stopCh:    make(chan struct{}),
		sem:       make(chan struct{}, cfg.MaxConcurrentBatches),
		journalFn: journalFn,
	}
}

// Results exposes the terminal-result table.
func (b *Batcher) Results() *resultTable { return b.results }

// Submit enqueues one operation. The operation id must already be set and
// registered in the result table by the caller (the pool facade).
func (b *Batcher) Submit(op *PendingOperation) error {
	if b.shutdown.Load() {
		return ErrPoolShutdown
	}

	b.mu.Lock()
	b.queue.Enqueue(op)
	depth := b.queue.Len()
	b.mu.Unlock()

	b.metrics.RecordOperationSubmitted()
	b.metrics.UpdateQueueDepth(depth)

	// 队列达到 maxBatchSize 立即切批，不等定时器
	if depth >= b.cfg.MaxBatchSize {
		b.signalCut("size")
	}
	return nil
}

// Flush requests an immediate batch cut regardless of minBatchSize.
func (b *Batcher) Flush() {
	b.signalCut("flush")
}

func (b *Batcher) signalCut(reason string) {
	select {
	case b.cutCh <- reason:
	default:
	}
}

// Start launches the batch-cut loop.
func (b *Batcher) Start() {
	recovery.WithRecovery(b.loop, "batcher_loop")
}

func (b *Batcher) loop() {
	ticker := time.NewTicker(b.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			depth := b.queue.Len()
			oldest := b.queue.OldestCreatedAt()
			b.mu.Unlock()
			if depth >= b.cfg.MinBatchSize {
				b.cut("timer")
			} else if depth > 0 && time.Since(oldest) >= 2*b.cfg.BatchTimeout {
				// 凑不满 minBatchSize 的余量不能无限等待
				b.cut("timer")
			}
		case reason := <-b.cutCh:
			b.cut(reason)
		}
	}
}

// cut forms one batch from the queue head and hands it to a dispatch
// goroutine. Operations whose external dependencies are not yet terminal
// are held back in the queue; expired operations fail immediately.
func (b *Batcher) cut(reason string) {
	now := time.Now()

	b.mu.Lock()
	var candidates []*PendingOperation
	var held []*PendingOperation
	var expired []*PendingOperation

	for len(candidates) < b.cfg.MaxOperationsPerBatch {
		op := b.queue.Dequeue()
		if op == nil {
			break
		}
		if op.expired(now) {
			expired = append(expired, op)
			continue
		}
		candidates = append(candidates, op)
	}

	// 依赖门控：依赖必须已终态，或与本批同行（环在解析阶段报告）
	// 固定点迭代：被扣住的操作不能再为其依赖方担保
	inCut := make(map[string]bool, len(candidates))
	for _, op := range candidates {
		inCut[op.ID] = true
	}
	for changed := true; changed; {
		changed = false
		for _, op := range candidates {
			if !inCut[op.ID] {
				continue
			}
			for _, dep := range op.DependsOn {
				if b.results.IsTerminal(dep) || inCut[dep] {
					continue
				}
				inCut[op.ID] = false
				changed = true
				break
			}
		}
	}
	admitted := make([]*PendingOperation, 0, len(candidates))
	for _, op := range candidates {
		if inCut[op.ID] {
			admitted = append(admitted, op)
		} else {
			// 依赖未结：回队等待后续批次
			held = append(held, op)
		}
	}
	for _, op := range held {
		b.queue.Enqueue(op)
	}
	depth := b.queue.Len()
	for _, op := range admitted {
		b.inFlight[op.ID] = true
	}
	b.mu.Unlock()

	b.metrics.UpdateQueueDepth(depth)

	// cutCh 只有一格缓冲，连发的 size 信号会被合并；切完发现积压仍然
	// 超限就自己补一个信号，不等下一个 ticker
	if len(admitted) > 0 && depth >= b.cfg.MaxBatchSize {
		b.signalCut("size")
	}

	for _, op := range expired {
		b.complete(op, &OperationResult{
			ID:          op.ID,
			Status:      StatusFailed,
			Attempts:    op.Attempts,
			Err:         fmt.Errorf("%w: expired in queue", ErrDeadlineExceeded),
			CompletedAt: now,
		})
	}

	if len(admitted) == 0 {
		return
	}

	sorted, cycle := resolveDependencies(admitted)
	if len(cycle) > 0 {
		ids := make([]string, 0, len(cycle))
		for _, op := range cycle {
			ids = append(ids, op.ID)
		}
		batchID := b.nextBatchID()
		LogDependencyCycle(batchID, ids)
		b.metrics.RecordDependencyCycle(len(cycle))
		for _, op := range cycle {
			b.complete(op, &OperationResult{
				ID:          op.ID,
				Status:      StatusFailed,
				Attempts:    op.Attempts,
				Err:         fmt.Errorf("%w: %v", ErrDependencyCycle, ids),
				CompletedAt: time.Now(),
			})
		}
		if len(sorted) == 0 {
			return
		}
	}

	batch := &Batch{
		ID:        b.nextBatchID(),
		Ops:       sorted,
		CreatedAt: now,
		Reason:    reason,
	}
	LogBatchCut(batch.ID, len(batch.Ops), reason)
	b.metrics.RecordBatchCut(len(batch.Ops))
	b.publish(PoolEvent{Type: "batch_cut", Data: map[string]any{
		"batch_id": batch.ID,
		"size":     len(batch.Ops),
		"reason":   reason,
	}})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.sem <- struct{}{}
		defer func() { <-b.sem }()
		b.dispatch(batch)
	}()
}

func (b *Batcher) nextBatchID() string {
	return fmt.Sprintf("batch-%d", b.batchSeq.Add(1))
}

// Cancel removes a queued operation. Operations already handed to a batch
// cannot be cancelled; in-flight calls run to completion.
func (b *Batcher) Cancel(id string) bool {
	b.mu.Lock()
	op := b.queue.Remove(id)
	depth := b.queue.Len()
	b.mu.Unlock()

	if op == nil {
		return false
	}
	b.metrics.UpdateQueueDepth(depth)
	b.complete(op, &OperationResult{
		ID:          id,
		Status:      StatusCancelled,
		Err:         ErrOperationCancelled,
		CompletedAt: time.Now(),
	})
	return true
}

// QueueDepth returns the number of queued (not yet batched) operations.
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queue.Len()
}

// InFlightCount returns the number of operations inside in-flight batches.
func (b *Batcher) InFlightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// complete publishes a terminal result exactly once: result table, metrics,
// journal, event sink, and the operation callback.
func (b *Batcher) complete(op *PendingOperation, res *OperationResult) {
	res.Kind = op.Kind
	if !b.results.Resolve(res) {
		return
	}

	b.mu.Lock()
	delete(b.inFlight, op.ID)
	b.mu.Unlock()

	b.metrics.RecordOperationTerminal(res.Status)
	LogOperationTerminal(res.ID, res.Status.String(), res.Attempts, res.Err)

	if b.journalFn != nil {
		b.journalFn(res)
	}
	b.publish(PoolEvent{Type: "operation_done", Data: map[string]any{
		"id":       res.ID,
		"status":   res.Status.String(),
		"attempts": res.Attempts,
	}})

	if op.Callback != nil {
		cb := op.Callback
		recovery.WithRecovery(func() { cb(res) }, "operation_callback")
	}
}

func (b *Batcher) publish(ev PoolEvent) {
	if b.events != nil {
		b.events.Publish(ev)
	}
}

// Shutdown stops the cut loop, fails every queued operation with
// ErrPoolShutdown, and waits for in-flight batches to finish.
func (b *Batcher) Shutdown() {
	b.shutdown.Store(true)
	b.stopOnce.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	drained := b.queue.DrainAll()
	b.mu.Unlock()

	for _, op := range drained {
		b.complete(op, &OperationResult{
			ID:          op.ID,
			Status:      StatusFailed,
			Attempts:    op.Attempts,
			Err:         ErrPoolShutdown,
			CompletedAt: time.Now(),
		})
	}
	b.metrics.UpdateQueueDepth(0)

	b.wg.Wait()
}

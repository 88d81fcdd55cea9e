package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// dispatch executes one batch: dependency waves run strictly in order, so
// every dependency reaches a terminal state (success or failure) before its
// dependents start; inside a wave at most DispatchChunk calls are in flight.
// The batch completes when every member has terminally resolved.
func (b *Batcher) dispatch(batch *Batch) {
	start := time.Now()
	waves := dependencyWaves(batch.Ops)

	for _, wave := range waves {
		groupForDispatch(wave)

		g := new(errgroup.Group)
		g.SetLimit(b.cfg.DispatchChunk)
		for _, op := range wave {
			op := op
			g.Go(func() error {
				res := b.executor.ExecuteOperation(context.Background(), op)
				b.complete(op, res)
				return nil
			})
		}
		// 波内操作各自终结，错误已折叠进结果，Wait 仅作屏障
		_ = g.Wait()
	}

	elapsed := time.Since(start)
	b.metrics.RecordBatchDispatched(elapsed)
	b.publish(PoolEvent{Type: "batch_done", Data: map[string]any{
		"batch_id":    batch.ID,
		"size":        len(batch.Ops),
		"duration_ms": elapsed.Milliseconds(),
	}})
}

package engine

import "sort"

// resolveDependencies topologically sorts batch members so every declared
// dependency precedes its dependents (Kahn's algorithm). Dependencies
// pointing outside the batch are assumed already terminal — the batcher
// only admits an operation once its external dependencies resolved.
//
// Returns the sorted operations and the members of any dependency cycle;
// cycle members are excluded from the sorted result and must be failed with
// ErrDependencyCycle, the rest of the batch proceeds.
func resolveDependencies(ops []*PendingOperation) (sorted []*PendingOperation, cycle []*PendingOperation) {
	inBatch := make(map[string]*PendingOperation, len(ops))
	for _, op := range ops {
		inBatch[op.ID] = op
	}

	// indegree 只统计批内依赖
	indegree := make(map[string]int, len(ops))
	dependents := make(map[string][]string, len(ops))
	for _, op := range ops {
		indegree[op.ID] = 0
	}
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			if _, ok := inBatch[dep]; ok {
				indegree[op.ID]++
				dependents[dep] = append(dependents[dep], op.ID)
			}
		}
	}

	// 初始就绪集按 seq 排序，保证排序结果确定且保持提交顺序
	ready := make([]*PendingOperation, 0, len(ops))
	for _, op := range ops {
		if indegree[op.ID] == 0 {
			ready = append(ready, op)
		}
	}
	sortBySeq(ready)

	sorted = make([]*PendingOperation, 0, len(ops))
	for len(ready) > 0 {
		op := ready[0]
		ready = ready[1:]
		sorted = append(sorted, op)

		next := make([]*PendingOperation, 0)
		for _, depID := range dependents[op.ID] {
			indegree[depID]--
			if indegree[depID] == 0 {
				next = append(next, inBatch[depID])
			}
		}
		sortBySeq(next)
		ready = append(ready, next...)
	}

	if len(sorted) == len(ops) {
		return sorted, nil
	}

	// 剩余 indegree > 0 的操作构成环（或依赖环上的节点）
	inSorted := make(map[string]bool, len(sorted))
	for _, op := range sorted {
		inSorted[op.ID] = true
	}
	for _, op := range ops {
		if !inSorted[op.ID] {
			cycle = append(cycle, op)
		}
	}
	sortBySeq(cycle)
	return sorted, cycle
}

// dependencyWaves splits topologically sorted operations into dispatch
// waves: wave N+1 members depend on at least one wave ≤ N member. Members
// of one wave may run concurrently; waves run strictly in order so a
// dependency always reaches a terminal state before its dependents start.
func dependencyWaves(sorted []*PendingOperation) [][]*PendingOperation {
	level := make(map[string]int, len(sorted))
	inBatch := make(map[string]bool, len(sorted))
	for _, op := range sorted {
		inBatch[op.ID] = true
	}

	maxLevel := 0
	for _, op := range sorted {
		l := 0
		for _, dep := range op.DependsOn {
			if inBatch[dep] && level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[op.ID] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	waves := make([][]*PendingOperation, maxLevel+1)
	for _, op := range sorted {
		l := level[op.ID]
		waves[l] = append(waves[l], op)
	}
	return waves
}

// groupForDispatch stably reorders one wave for connection locality: fixed
// category order first (approvals before transfers before settlements),
// then priority, then signing identity so write connections get reused,
// then submission order.
func groupForDispatch(wave []*PendingOperation) {
	sort.SliceStable(wave, func(i, j int) bool {
		a, b := wave[i], wave[j]
		if ar, br := a.Kind.categoryRank(), b.Kind.categoryRank(); ar != br {
			return ar < br
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Identity != b.Identity {
			return a.Identity < b.Identity
		}
		return a.seq < b.seq
	})
}

func sortBySeq(ops []*PendingOperation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })
}

package planner

import (
	"container/heap"

	"github.com/mattjoyce/sluice/internal/pipeline/dsl"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Order returns stage indices in a topological order of dependsOn edges. Among
// ready stages the one declared first goes first, so the order is stable for a
// given document. Unknown dependency names are ignored; the compiler rejects
// them.
func Order(stages []dsl.Stage) ([]int, error) {
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		index[s.Name] = i
	}

	indeg := make([]int, len(stages))
	dependents := make([][]int, len(stages))
	deps := make([][]int, len(stages))
	for i, s := range stages {
		for _, name := range s.DependsOn {
			d, ok := index[name]
			if !ok {
				continue
			}
			indeg[i]++
			dependents[d] = append(dependents[d], i)
			deps[i] = append(deps[i], d)
		}
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i := range stages {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(stages))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		order = append(order, n)
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(order) == len(stages) {
		return order, nil
	}
	return nil, &CyclicDependencyError{Cycle: findCycle(stages, deps)}
}

// findCycle walks dependency edges depth first in declaration order and
// returns the first cycle it closes.
func findCycle(stages []dsl.Stage, deps [][]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make([]int, len(stages))
	parent := make([]int, len(stages))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		for _, v := range deps[u] {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				// back edge u -> v closes v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for i := range stages {
		if color[i] == white && dfs(i) {
			break
		}
	}

	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, stages[cycle[i]].Name)
	}
	return out
}

package scheduler

import (
	"errors"
	"sort"
	"strings"
)

// ErrDependencyCycle is wrapped by every CycleError.
var ErrDependencyCycle = errors.New("dependency cycle")

// CycleError describes a group of services that depend on each other.
type CycleError struct {
	// Cycle is one concrete loop through the group; it starts and ends with the
	// same service.
	Cycle []string
	// Members lists every service of the group, sorted.
	Members []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

func (e *CycleError) Unwrap() error { return ErrDependencyCycle }

// FindCycles returns one CycleError per strongly connected component of graph
// (service -> dependencies) that contains a cycle, including self-dependencies.
// Dependencies that are not keys of graph are treated as leaves. Results are
// ordered by their smallest member.
func FindCycles(graph map[string][]string) []*CycleError {
	t := tarjan{
		graph: graph,
		index: make(map[string]int),
		low:   make(map[string]int),
		on:    make(map[string]bool),
	}
	for _, n := range sortedKeys(graph) {
		if _, ok := t.index[n]; !ok {
			t.strongConnect(n)
		}
	}

	var out []*CycleError
	for _, comp := range t.comps {
		if len(comp) == 1 && !contains(graph[comp[0]], comp[0]) {
			continue
		}
		sort.Strings(comp)
		out = append(out, &CycleError{Cycle: loopThrough(graph, comp), Members: comp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Members[0] < out[j].Members[0] })
	return out
}

type tarjan struct {
	graph map[string][]string
	next  int
	index map[string]int
	low   map[string]int
	on    map[string]bool
	stack []string
	comps [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.next
	t.low[v] = t.next
	t.next++
	t.stack = append(t.stack, v)
	t.on[v] = true

	for _, w := range sortedCopy(t.graph[v]) {
		if _, known := t.graph[w]; !known {
			continue
		}
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			t.low[v] = min(t.low[v], t.low[w])
		} else if t.on[w] {
			t.low[v] = min(t.low[v], t.index[w])
		}
	}

	if t.low[v] == t.index[v] {
		var comp []string
		for {
			w := t.stack[len(t.stack)-1]
			t.stack = t.stack[:len(t.stack)-1]
			t.on[w] = false
			comp = append(comp, w)
			if w == v {
				break
			}
		}
		t.comps = append(t.comps, comp)
	}
}

// loopThrough finds the shortest loop from the smallest member of comp back to
// itself, staying inside comp.
func loopThrough(graph map[string][]string, comp []string) []string {
	start := comp[0]
	inComp := make(map[string]bool, len(comp))
	for _, c := range comp {
		inComp[c] = true
	}
	parent := map[string]string{}
	queue := []string{start}
	visited := map[string]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range sortedCopy(graph[cur]) {
			if d == start {
				path := []string{start}
				for n := cur; n != start; n = parent[n] {
					path = append(path, n)
				}
				// path is start, cur, ..., reversed; flip the tail.
				for i, j := 1, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return append(path, start)
			}
			if !inComp[d] || visited[d] {
				continue
			}
			visited[d] = true
			parent[d] = cur
			queue = append(queue, d)
		}
	}
	return append(append([]string(nil), comp...), start)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Package graph implements C3: the DAG itself and the extension algorithm
// that inserts conditional-run probes around Temp jobs and cleanup nodes.
package graph

import (
	"fmt"
	"sort"

	"github.com/pipegraph/pipegraph/internal/pperrors"
)

// DAG is a directed graph over job ids. Edges mean "upstream must finish
// before downstream starts". Modeled as plain adjacency maps rather than a
// third-party graph library — the pack carries none, and the traversal this
// package needs (predecessors, successors, Kahn's-algorithm topo sort) is a
// few dozen lines, the same call this teacher's own dag_engine.go makes with
// its hand-rolled dagNode/dag types.
type DAG struct {
	order      []string
	nodes      map[string]struct{}
	upstreams  map[string]map[string]struct{}
	downstream map[string]map[string]struct{}
}

// New returns an empty DAG.
func New() *DAG {
	return &DAG{
		nodes:      map[string]struct{}{},
		upstreams:  map[string]map[string]struct{}{},
		downstream: map[string]map[string]struct{}{},
	}
}

// AddNode registers a job id with no edges. Adding an id twice is a no-op.
func (d *DAG) AddNode(id string) {
	if _, ok := d.nodes[id]; ok {
		return
	}
	d.nodes[id] = struct{}{}
	d.order = append(d.order, id)
	d.upstreams[id] = map[string]struct{}{}
	d.downstream[id] = map[string]struct{}{}
}

// AddEdge records that downstream depends on upstream, adding either
// endpoint as a node first if needed.
func (d *DAG) AddEdge(upstream, downstream string) {
	d.AddNode(upstream)
	d.AddNode(downstream)
	d.downstream[upstream][downstream] = struct{}{}
	d.upstreams[downstream][upstream] = struct{}{}
}

// Nodes returns job ids in insertion order, for deterministic iteration.
func (d *DAG) Nodes() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Upstream returns the direct predecessors of id.
func (d *DAG) Upstream(id string) []string {
	return setToSlice(d.upstreams[id])
}

// Downstream returns the direct successors of id.
func (d *DAG) Downstream(id string) []string {
	return setToSlice(d.downstream[id])
}

// Clone returns a deep copy, used by Extend so the caller's original DAG is
// never mutated.
func (d *DAG) Clone() *DAG {
	c := New()
	for _, id := range d.order {
		c.AddNode(id)
	}
	for up, downs := range d.downstream {
		for down := range downs {
			c.AddEdge(up, down)
		}
	}
	return c
}

// TopoSort runs Kahn's algorithm and returns pperrors.ErrNotADag if a cycle
// remains once no more zero-indegree nodes can be removed.
func (d *DAG) TopoSort() ([]string, error) {
	indegree := make(map[string]int, len(d.nodes))
	for id := range d.nodes {
		indegree[id] = len(d.upstreams[id])
	}
	var queue []string
	for _, id := range d.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	result := make([]string, 0, len(d.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		for _, down := range sortedKeys(d.downstream[id]) {
			indegree[down]--
			if indegree[down] == 0 {
				queue = append(queue, down)
			}
		}
	}
	if len(result) != len(d.nodes) {
		return nil, fmt.Errorf("%w: cycle among %d unresolved node(s)", pperrors.ErrNotADag, len(d.nodes)-len(result))
	}
	return result, nil
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func sortedKeys(s map[string]struct{}) []string {
	out := setToSlice(s)
	sort.Strings(out)
	return out
}

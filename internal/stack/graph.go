// File: internal/stack/graph.go
// Brief: Graph utilities for dependency expansion.

package stack

import (
	"fmt"
	"sort"
)

type Graph struct {
	deps       map[string][]string
	dependents map[string][]string
}

func BuildGraph(p *Plan) (*Graph, error) {
	if p == nil {
		return nil, fmt.Errorf("plan is nil")
	}
	g := &Graph{
		deps:       map[string][]string{},
		dependents: map[string][]string{},
	}
	for _, n := range p.Nodes {
		for _, dep := range n.Needs {
			if _, ok := p.ByID[dep]; !ok {
				return nil, fmt.Errorf("resource %s needs missing dependency %q", n.ID, dep)
			}
			g.deps[n.ID] = append(g.deps[n.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], n.ID)
		}
	}
	for k := range g.deps {
		sort.Strings(g.deps[k])
	}
	for k := range g.dependents {
		sort.Strings(g.dependents[k])
	}
	return g, nil
}

// DepsOf returns the transitive dependencies of id.
func (g *Graph) DepsOf(id string) []string {
	return closure(g.deps, id)
}

// DependentsOf returns every resource that transitively depends on id.
func (g *Graph) DependentsOf(id string) []string {
	return closure(g.dependents, id)
}

func closure(edges map[string][]string, id string) []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(string)
	walk = func(cur string) {
		for _, next := range edges[cur] {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			out = append(out, next)
			walk(next)
		}
	}
	walk(id)
	sort.Strings(out)
	return out
}

// Edges returns (from, to) pairs where from depends on to.
func (g *Graph) Edges() [][2]string {
	var edges [][2]string
	for from, deps := range g.deps {
		for _, to := range deps {
			edges = append(edges, [2]string{from, to})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

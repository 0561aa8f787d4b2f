// File: internal/stack/dag.go
// Brief: DAG validation and stable execution grouping.

package stack

import (
	"fmt"
	"sort"
	"strings"
)

// Node is a planned resource with its resolved dependency edges.
type Node struct {
	ID             string
	Type           string
	Needs          []string
	DeclaredNeeds  []string
	InferredNeeds  map[string][]InferredReason
	ExecutionGroup int
}

// Plan is the ordered dependency graph of a stack.
type Plan struct {
	StackName string
	Nodes     []*Node
	ByID      map[string]*Node
	Order     []string
	Groups    [][]string
}

// BuildPlan resolves explicit and inferred edges, rejects dangling references
// and cycles, and assigns execution groups.
func BuildPlan(s *Stack) (*Plan, error) {
	if s == nil {
		return nil, fmt.Errorf("stack is nil")
	}
	p := &Plan{StackName: s.Name, ByID: map[string]*Node{}}
	for _, r := range s.resources {
		inferred, err := InferDependencies(s, r)
		if err != nil {
			return nil, err
		}
		needs := map[string]struct{}{}
		for id := range inferred {
			needs[id] = struct{}{}
		}
		for _, dep := range r.DependsOn {
			if _, ok := s.byID[dep]; !ok {
				return nil, fmt.Errorf("resource %s depends on missing resource %q", r.LogicalID, dep)
			}
			if dep == r.LogicalID {
				return nil, fmt.Errorf("resource %s depends on itself", r.LogicalID)
			}
			needs[dep] = struct{}{}
		}
		n := &Node{
			ID:            r.LogicalID,
			Type:          r.Type,
			DeclaredNeeds: append([]string(nil), r.DependsOn...),
			InferredNeeds: inferred,
		}
		for id := range needs {
			n.Needs = append(n.Needs, id)
		}
		sort.Strings(n.Needs)
		p.Nodes = append(p.Nodes, n)
		p.ByID[n.ID] = n
	}
	if err := checkOutputReferences(s); err != nil {
		return nil, err
	}
	if err := assignExecutionGroups(p); err != nil {
		return nil, err
	}
	return p, nil
}

func assignExecutionGroups(p *Plan) error {
	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, n := range p.Nodes {
		inDegree[n.ID] = 0
	}
	for _, n := range p.Nodes {
		for _, dep := range n.Needs {
			inDegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}
	for k := range dependents {
		sort.Strings(dependents[k])
	}

	ready := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		if inDegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	p.Order = p.Order[:0]
	p.Groups = p.Groups[:0]
	group := 0
	for len(ready) > 0 {
		wave := append([]string(nil), ready...)
		ready = ready[:0]
		for _, id := range wave {
			p.ByID[id].ExecutionGroup = group
		}
		p.Groups = append(p.Groups, wave)
		p.Order = append(p.Order, wave...)
		for _, id := range wave {
			for _, depID := range dependents[id] {
				inDegree[depID]--
				if inDegree[depID] == 0 {
					ready = append(ready, depID)
				}
			}
		}
		sort.Strings(ready)
		group++
	}
	if len(p.Order) != len(p.Nodes) {
		var stuck []string
		for _, n := range p.Nodes {
			if inDegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		sort.Strings(stuck)
		if cycle := findCyclePath(stuck, p.ByID); len(cycle) > 0 {
			return fmt.Errorf("dependency cycle detected: %s", cycleString(cycle, p.ByID))
		}
		return fmt.Errorf("dependency cycle detected (%d resources): %v", len(stuck), stuck)
	}
	return nil
}

func findCyclePath(stuck []string, byID map[string]*Node) []string {
	stuckSet := map[string]struct{}{}
	for _, id := range stuck {
		stuckSet[id] = struct{}{}
	}
	vis := map[string]bool{}
	onStack := map[string]bool{}
	var path []string
	var cycle []string
	var dfs func(string) bool
	dfs = func(id string) bool {
		if _, ok := stuckSet[id]; !ok {
			return false
		}
		vis[id] = true
		onStack[id] = true
		path = append(path, id)
		for _, dep := range byID[id].Needs {
			if _, ok := stuckSet[dep]; !ok {
				continue
			}
			if !vis[dep] {
				if dfs(dep) {
					return true
				}
				continue
			}
			if onStack[dep] {
				for i := range path {
					if path[i] == dep {
						cycle = append([]string(nil), path[i:]...)
						return true
					}
				}
				cycle = []string{dep, id}
				return true
			}
		}
		onStack[id] = false
		path = path[:len(path)-1]
		return false
	}
	for _, id := range stuck {
		if vis[id] {
			continue
		}
		if dfs(id) {
			break
		}
	}
	return cycle
}

func cycleString(cycle []string, byID map[string]*Node) string {
	parts := append([]string(nil), cycle...)
	if len(cycle) > 0 {
		parts = append(parts, cycle[0])
	}
	var edges []string
	for i := 0; i+1 < len(parts); i++ {
		from := byID[parts[i]]
		if from == nil {
			continue
		}
		edges = append(edges, fmt.Sprintf("%s -> %s (%s)", parts[i], parts[i+1], edgeHint(from, parts[i+1])))
	}
	return fmt.Sprintf("%s edges=%v", strings.Join(parts, " -> "), edges)
}

func edgeHint(from *Node, dep string) string {
	for _, d := range from.DeclaredNeeds {
		if d == dep {
			return "declared"
		}
	}
	reasons := from.InferredNeeds[dep]
	if len(reasons) == 0 {
		return "declared"
	}
	types := map[string]struct{}{}
	for _, r := range reasons {
		types[r.Type] = struct{}{}
	}
	out := make([]string, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	sort.Strings(out)
	return strings.Join(out, "+")
}

// File: internal/stack/print_graph.go
// Brief: Graph printing for plan debugging.

package stack

import (
	"fmt"
	"io"
	"strings"
)

func PrintGraphDOT(w io.Writer, p *Plan) error {
	g, err := BuildGraph(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "digraph %s {\n", safeID("stack_"+p.StackName))
	fmt.Fprintln(w, "  rankdir=LR;")
	fmt.Fprintln(w, "  node [shape=box,fontname=\"SF Pro Text\"];")
	for i, group := range p.Groups {
		fmt.Fprintf(w, "  subgraph \"cluster_group_%d\" {\n", i)
		fmt.Fprintf(w, "    label=\"group %d\";\n", i)
		for _, id := range group {
			n := p.ByID[id]
			fmt.Fprintf(w, "    \"%s\" [label=\"%s\\n%s\"];\n", n.ID, n.ID, n.Type)
		}
		fmt.Fprintln(w, "  }")
	}
	for _, e := range g.Edges() {
		// Edge: from depends on to => to -> from.
		fmt.Fprintf(w, "  \"%s\" -> \"%s\";\n", e[1], e[0])
	}
	fmt.Fprintln(w, "}")
	return nil
}

func PrintGraphMermaid(w io.Writer, p *Plan) error {
	g, err := BuildGraph(p)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "graph TD")
	for _, n := range p.Nodes {
		fmt.Fprintf(w, "  %s[\"%s\\n%s\"]\n", safeID(n.ID), n.ID, n.Type)
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(w, "  %s --> %s\n", safeID(e[1]), safeID(e[0]))
	}
	return nil
}

// PrintGroups writes the apply order one execution group per line.
func PrintGroups(w io.Writer, p *Plan) error {
	if p == nil {
		return fmt.Errorf("plan is nil")
	}
	for i, group := range p.Groups {
		parts := make([]string, 0, len(group))
		for _, id := range group {
			parts = append(parts, fmt.Sprintf("%s (%s)", id, p.ByID[id].Type))
		}
		fmt.Fprintf(w, "%3d  %s\n", i, strings.Join(parts, ", "))
	}
	return nil
}

func safeID(s string) string {
	out := strings.Builder{}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}
	return out.String()
}

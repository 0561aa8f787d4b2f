// File: internal/stack/infer_deps.go
// Brief: Dependency inference from intrinsic references inside resource properties.

package stack

import (
	"fmt"
	"sort"
	"strings"
)

// InferredReason records why an edge was inferred.
type InferredReason struct {
	Type     string // ref|getatt|sub
	Evidence string
}

// referencesIn walks a property tree and returns referenced logical IDs with reasons.
func referencesIn(v any) map[string][]InferredReason {
	out := map[string][]InferredReason{}
	collectReferences(v, out)
	return out
}

func collectReferences(v any, out map[string][]InferredReason) {
	switch t := v.(type) {
	case map[string]any:
		if ref, ok := t["Ref"].(string); ok && len(t) == 1 {
			out[ref] = append(out[ref], InferredReason{Type: "ref", Evidence: ref})
			return
		}
		if att, ok := t["Fn::GetAtt"]; ok && len(t) == 1 {
			switch a := att.(type) {
			case []any:
				if len(a) > 0 {
					if id, ok := a[0].(string); ok {
						out[id] = append(out[id], InferredReason{Type: "getatt", Evidence: fmt.Sprintf("%v", a)})
					}
				}
			case []string:
				if len(a) > 0 {
					out[a[0]] = append(out[a[0]], InferredReason{Type: "getatt", Evidence: strings.Join(a, ".")})
				}
			case string:
				id, _, _ := strings.Cut(a, ".")
				out[id] = append(out[id], InferredReason{Type: "getatt", Evidence: a})
			}
			return
		}
		if sub, ok := t["Fn::Sub"]; ok && len(t) == 1 {
			collectSub(sub, out)
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectReferences(t[k], out)
		}
	case []any:
		for _, e := range t {
			collectReferences(e, out)
		}
	case []map[string]any:
		for _, e := range t {
			collectReferences(e, out)
		}
	}
}

func collectSub(sub any, out map[string][]InferredReason) {
	var format string
	locals := map[string]struct{}{}
	switch s := sub.(type) {
	case string:
		format = s
	case []any:
		if len(s) > 0 {
			format, _ = s[0].(string)
		}
		if len(s) > 1 {
			if vars, ok := s[1].(map[string]any); ok {
				for k, val := range vars {
					locals[k] = struct{}{}
					collectReferences(val, out)
				}
			}
		}
	}
	for _, name := range subTokens(format) {
		if _, ok := locals[name]; ok {
			continue
		}
		out[name] = append(out[name], InferredReason{Type: "sub", Evidence: "${" + name + "}"})
	}
}

// subTokens extracts the logical IDs named by ${X} or ${X.Attr}, skipping ${!Literal}.
func subTokens(format string) []string {
	var out []string
	rest := format
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			return out
		}
		rest = rest[start+2:]
		end := strings.Index(rest, "}")
		if end < 0 {
			return out
		}
		token := rest[:end]
		rest = rest[end+1:]
		if token == "" || strings.HasPrefix(token, "!") {
			continue
		}
		if strings.HasPrefix(token, "AWS::") {
			out = append(out, token)
			continue
		}
		id, _, _ := strings.Cut(token, ".")
		out = append(out, id)
	}
}

// InferDependencies returns the inferred dependency set of r within s.
// Pseudo parameters and declared parameters are skipped; anything else that
// does not resolve to a resource is a dangling reference.
func InferDependencies(s *Stack, r *Resource) (map[string][]InferredReason, error) {
	if s == nil || r == nil {
		return nil, fmt.Errorf("stack and resource are required")
	}
	refs := referencesIn(r.Properties)
	deps := map[string][]InferredReason{}
	var dangling []string
	for id, reasons := range refs {
		if isPseudo(id) || s.isParameter(id) {
			continue
		}
		if id == r.LogicalID {
			return nil, fmt.Errorf("resource %s references itself", r.LogicalID)
		}
		if _, ok := s.byID[id]; !ok {
			dangling = append(dangling, id)
			continue
		}
		deps[id] = reasons
	}
	if len(dangling) > 0 {
		sort.Strings(dangling)
		return nil, fmt.Errorf("resource %s references undeclared %s", r.LogicalID, strings.Join(dangling, ", "))
	}
	return deps, nil
}

// checkOutputReferences reports dangling references inside outputs.
func checkOutputReferences(s *Stack) error {
	for _, o := range s.outputs {
		for id := range referencesIn(o.Value) {
			if isPseudo(id) || s.isParameter(id) {
				continue
			}
			if _, ok := s.byID[id]; !ok {
				return fmt.Errorf("output %s references undeclared %s", o.Name, id)
			}
		}
	}
	return nil
}

// File: internal/templatediff/diff.go
// Brief: Desired versus deployed template comparison.

// Package templatediff compares the synthesized template with the template a
// stack was last deployed with.
package templatediff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/pmezard/go-difflib/difflib"
)

// Diff is the resource-level change summary plus a unified text diff.
type Diff struct {
	Added   []string         `json:"added,omitempty"`
	Removed []string         `json:"removed,omitempty"`
	Changed []ResourceChange `json:"changed,omitempty"`
	// Outputs lists output names that were added, removed or changed.
	Outputs []string `json:"outputs,omitempty"`
	Text    string   `json:"-"`
}

// ResourceChange names the top-level keys of one resource that differ.
type ResourceChange struct {
	LogicalID string   `json:"logicalId"`
	Type      string   `json:"type"`
	Reasons   []string `json:"reasons"`
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0 && len(d.Outputs) == 0
}

// Compare diffs deployed against desired. Both are raw template JSON; an empty
// deployed template means the stack does not exist yet.
func Compare(deployed, desired []byte) (Diff, error) {
	prev, err := decode(deployed)
	if err != nil {
		return Diff{}, fmt.Errorf("decode deployed template: %w", err)
	}
	curr, err := decode(desired)
	if err != nil {
		return Diff{}, fmt.Errorf("decode desired template: %w", err)
	}

	prevRes := section(prev, "Resources")
	currRes := section(curr, "Resources")
	diff := Diff{}
	for id := range currRes {
		if _, ok := prevRes[id]; !ok {
			diff.Added = append(diff.Added, id)
		}
	}
	for id := range prevRes {
		if _, ok := currRes[id]; !ok {
			diff.Removed = append(diff.Removed, id)
		}
	}
	for id, c := range currRes {
		p, ok := prevRes[id]
		if !ok {
			continue
		}
		if reasons := compareResources(p, c); len(reasons) > 0 {
			diff.Changed = append(diff.Changed, ResourceChange{LogicalID: id, Type: resourceType(c), Reasons: reasons})
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool { return diff.Changed[i].LogicalID < diff.Changed[j].LogicalID })
	diff.Outputs = changedKeys(section(prev, "Outputs"), section(curr, "Outputs"))

	text, err := unified(prev, curr)
	if err != nil {
		return Diff{}, err
	}
	diff.Text = text
	return diff, nil
}

func decode(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func section(doc map[string]any, name string) map[string]any {
	m, _ := doc[name].(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

func resourceType(r any) string {
	m, _ := r.(map[string]any)
	t, _ := m["Type"].(string)
	return t
}

func compareResources(prev, curr any) []string {
	pm, _ := prev.(map[string]any)
	cm, _ := curr.(map[string]any)
	if pt, ct := resourceType(pm), resourceType(cm); pt != ct {
		return []string{fmt.Sprintf("type %s -> %s", empty(pt), empty(ct))}
	}
	var reasons []string
	for _, key := range []string{"DeletionPolicy", "UpdateReplacePolicy", "DependsOn"} {
		if !reflect.DeepEqual(pm[key], cm[key]) {
			reasons = append(reasons, key)
		}
	}
	for _, prop := range changedKeys(section(pm, "Properties"), section(cm, "Properties")) {
		reasons = append(reasons, "Properties."+prop)
	}
	return reasons
}

func changedKeys(prev, curr map[string]any) []string {
	seen := map[string]struct{}{}
	for k := range prev {
		seen[k] = struct{}{}
	}
	for k := range curr {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		if !reflect.DeepEqual(prev[k], curr[k]) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func unified(prev, curr map[string]any) (string, error) {
	a, err := canonical(prev)
	if err != nil {
		return "", err
	}
	b, err := canonical(curr)
	if err != nil {
		return "", err
	}
	if a == b {
		return "", nil
	}
	ud := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "deployed",
		ToFile:   "desired",
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(ud)
}

func canonical(doc map[string]any) (string, error) {
	if len(doc) == 0 {
		return "", nil
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}

func empty(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}

// Colorize paints unified diff lines for a terminal.
func Colorize(text string, enabled bool) string {
	if !enabled || text == "" {
		return text
	}
	paint := func(attr color.Attribute, s string) string {
		c := color.New(attr)
		c.EnableColor()
		return c.Sprint(s)
	}
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
			b.WriteString(paint(color.Bold, line))
		case strings.HasPrefix(line, "@@"):
			b.WriteString(paint(color.FgCyan, line))
		case strings.HasPrefix(line, "+"):
			b.WriteString(paint(color.FgGreen, line))
		case strings.HasPrefix(line, "-"):
			b.WriteString(paint(color.FgRed, line))
		default:
			b.WriteString(line)
		}
	}
	return b.String()
}

// Summary renders the resource-level changes, one per line.
func (d Diff) Summary() string {
	if d.Empty() {
		return "no differences\n"
	}
	var b strings.Builder
	for _, id := range d.Added {
		fmt.Fprintf(&b, "+ %s\n", id)
	}
	for _, id := range d.Removed {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	for _, c := range d.Changed {
		fmt.Fprintf(&b, "~ %s (%s): %s\n", c.LogicalID, c.Type, strings.Join(c.Reasons, ", "))
	}
	for _, o := range d.Outputs {
		fmt.Fprintf(&b, "~ output %s\n", o)
	}
	return b.String()
}

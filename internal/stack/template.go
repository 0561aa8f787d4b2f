// File: internal/stack/template.go
// Brief: CloudFormation template synthesis and rendering.

package stack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"sigs.k8s.io/yaml"
)

const templateFormatVersion = "2010-09-09"

// Template is the CloudFormation document consumed by the provisioning engine.
type Template struct {
	AWSTemplateFormatVersion string                       `json:"AWSTemplateFormatVersion"`
	Description              string                       `json:"Description,omitempty"`
	Metadata                 map[string]any               `json:"Metadata,omitempty"`
	Parameters               map[string]TemplateParameter `json:"Parameters,omitempty"`
	Resources                map[string]TemplateResource  `json:"Resources"`
	Outputs                  map[string]TemplateOutput    `json:"Outputs,omitempty"`
}

type TemplateParameter struct {
	Type          string   `json:"Type"`
	Default       string   `json:"Default,omitempty"`
	Description   string   `json:"Description,omitempty"`
	AllowedValues []string `json:"AllowedValues,omitempty"`
	NoEcho        bool     `json:"NoEcho,omitempty"`
}

type TemplateResource struct {
	Type                string         `json:"Type"`
	Properties          map[string]any `json:"Properties,omitempty"`
	DependsOn           []string       `json:"DependsOn,omitempty"`
	DeletionPolicy      string         `json:"DeletionPolicy,omitempty"`
	UpdateReplacePolicy string         `json:"UpdateReplacePolicy,omitempty"`
	Metadata            map[string]any `json:"Metadata,omitempty"`
}

type TemplateOutput struct {
	Description string         `json:"Description,omitempty"`
	Value       any            `json:"Value"`
	Export      map[string]any `json:"Export,omitempty"`
}

// Synthesize plans the stack and renders it into a template. Planning runs
// first so dangling references and cycles never reach the engine.
func Synthesize(s *Stack) (*Template, *Plan, error) {
	p, err := BuildPlan(s)
	if err != nil {
		return nil, nil, err
	}
	t := &Template{
		AWSTemplateFormatVersion: templateFormatVersion,
		Description:              s.Description,
		Resources:                map[string]TemplateResource{},
	}
	if len(s.parameters) > 0 {
		t.Parameters = map[string]TemplateParameter{}
		for _, prm := range s.parameters {
			t.Parameters[prm.Name] = TemplateParameter{
				Type:          prm.Type,
				Default:       prm.Default,
				Description:   prm.Description,
				AllowedValues: prm.AllowedValues,
				NoEcho:        prm.NoEcho,
			}
		}
	}
	for _, r := range s.resources {
		tr := TemplateResource{
			Type:                r.Type,
			DeletionPolicy:      r.DeletionPolicy,
			UpdateReplacePolicy: r.UpdateReplacePolicy,
			Metadata:            r.Metadata,
		}
		if len(r.Properties) > 0 {
			tr.Properties = r.Properties
		}
		if len(r.DependsOn) > 0 {
			tr.DependsOn = dedupeSorted(r.DependsOn)
		}
		t.Resources[r.LogicalID] = tr
	}
	if len(s.outputs) > 0 {
		t.Outputs = map[string]TemplateOutput{}
		for _, o := range s.outputs {
			out := TemplateOutput{Description: o.Description, Value: o.Value}
			if o.ExportName != "" {
				out.Export = map[string]any{"Name": o.ExportName}
			}
			t.Outputs[o.Name] = out
		}
	}
	return t, p, nil
}

// JSON renders the template with stable key ordering.
func (t *Template) JSON() ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("template is nil")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	return buf.Bytes(), nil
}

// CompactJSON renders the template without indentation, for size-limited APIs.
func (t *Template) CompactJSON() ([]byte, error) {
	raw, err := t.JSON()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Template) YAML() ([]byte, error) {
	raw, err := t.JSON()
	if err != nil {
		return nil, err
	}
	out, err := yaml.JSONToYAML(raw)
	if err != nil {
		return nil, fmt.Errorf("render yaml: %w", err)
	}
	return out, nil
}

// Document returns the template as a generic JSON value, the shape policy
// evaluation and diffing work on.
func (t *Template) Document() (map[string]any, error) {
	raw, err := t.JSON()
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseDocument decodes a JSON or YAML template body into a generic document.
// YAML short-form tags such as !Ref are not supported.
func ParseDocument(body []byte) (map[string]any, error) {
	raw, err := yaml.YAMLToJSON(body)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("parse template: empty document")
	}
	return out, nil
}

func dedupeSorted(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

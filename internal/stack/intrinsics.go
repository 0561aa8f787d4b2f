// File: internal/stack/intrinsics.go
// Brief: Pseudo parameters and the bridge from typed resource declarations to graph properties.

package stack

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/awslabs/goformation/v7/cloudformation"
)

// Pseudo parameters resolved by the engine.
const (
	PseudoRegion    = "AWS::Region"
	PseudoAccountID = "AWS::AccountId"
	PseudoPartition = "AWS::Partition"
	PseudoURLSuffix = "AWS::URLSuffix"
	PseudoStackName = "AWS::StackName"
	PseudoStackID   = "AWS::StackId"
	PseudoNoValue   = "AWS::NoValue"
)

func isPseudo(name string) bool {
	switch name {
	case PseudoRegion, PseudoAccountID, PseudoPartition, PseudoURLSuffix, PseudoStackName, PseudoStackID, PseudoNoValue:
		return true
	}
	return false
}

const renderID = "Declared"

// Render turns a typed resource into its type name and property tree. The
// intrinsics embedded by the cloudformation package are expanded into plain
// Ref/Fn:: maps so dependency inference and policy input see the final shape.
func Render(r cloudformation.Resource) (string, map[string]any, error) {
	if r == nil {
		return "", nil, fmt.Errorf("typed resource is nil")
	}
	t := cloudformation.NewTemplate()
	t.Resources[renderID] = r
	raw, err := t.JSON()
	if err != nil {
		return "", nil, fmt.Errorf("render %s: %w", r.AWSCloudFormationType(), err)
	}
	var doc struct {
		Resources map[string]struct {
			Type       string         `json:"Type"`
			Properties map[string]any `json:"Properties"`
		} `json:"Resources"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", nil, fmt.Errorf("decode rendered %s: %w", r.AWSCloudFormationType(), err)
	}
	out, ok := doc.Resources[renderID]
	if !ok {
		return "", nil, fmt.Errorf("rendered template has no %s resource", r.AWSCloudFormationType())
	}
	typ := out.Type
	if typ == "" {
		typ = r.AWSCloudFormationType()
	}
	props, _ := normalize(out.Properties).(map[string]any)
	return typ, props, nil
}

// Value expands a value holding encoded intrinsics, such as the string
// returned by cloudformation.GetAtt, into template form.
func Value(v any) (any, error) {
	t := cloudformation.NewTemplate()
	t.Outputs[renderID] = cloudformation.Output{Value: v}
	raw, err := t.JSON()
	if err != nil {
		return nil, fmt.Errorf("render value: %w", err)
	}
	var doc struct {
		Outputs map[string]struct {
			Value any `json:"Value"`
		} `json:"Outputs"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode rendered value: %w", err)
	}
	return normalize(doc.Outputs[renderID].Value), nil
}

// Declare fills r's type and properties from typed and adds it to the stack.
// Graph attributes (DependsOn, deletion policies, metadata) stay on r.
func (s *Stack) Declare(r *Resource, typed cloudformation.Resource) error {
	if r == nil {
		return fmt.Errorf("resource is nil")
	}
	typ, props, err := Render(typed)
	if err != nil {
		return fmt.Errorf("resource %s: %w", r.LogicalID, err)
	}
	r.Type = typ
	r.Properties = props
	return s.Add(r)
}

// normalize turns whole JSON numbers back into ints.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int(t)
		}
		return t
	}
	return v
}

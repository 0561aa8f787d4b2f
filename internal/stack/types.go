// File: internal/stack/types.go
// Brief: Stack, resource, output and parameter types.

package stack

import (
	"fmt"
	"regexp"
	"strings"
)

// Deletion policies understood by CloudFormation.
const (
	DeletionPolicyDelete   = "Delete"
	DeletionPolicyRetain   = "Retain"
	DeletionPolicySnapshot = "Snapshot"
)

const maxLogicalIDLength = 255

var logicalIDPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Resource is one named node of the graph.
type Resource struct {
	LogicalID           string
	Type                string
	Properties          map[string]any
	DependsOn           []string
	DeletionPolicy      string
	UpdateReplacePolicy string
	Metadata            map[string]any
}

// Output is a named value exposed once the engine has resolved the stack.
type Output struct {
	Name        string
	Description string
	Value       any
	ExportName  string
}

// Parameter is a template input supplied at deploy time.
type Parameter struct {
	Name          string
	Type          string
	Default       string
	Description   string
	AllowedValues []string
	NoEcho        bool
}

// Stack is a deployable unit of declared resources.
type Stack struct {
	Name        string
	Description string

	resources  []*Resource
	byID       map[string]*Resource
	outputs    []Output
	outputIDs  map[string]struct{}
	parameters []Parameter
	paramIDs   map[string]struct{}
}

// New returns an empty stack.
func New(name, description string) *Stack {
	return &Stack{
		Name:        strings.TrimSpace(name),
		Description: strings.TrimSpace(description),
		byID:        map[string]*Resource{},
		outputIDs:   map[string]struct{}{},
		paramIDs:    map[string]struct{}{},
	}
}

func validLogicalID(id string) error {
	if id == "" {
		return fmt.Errorf("logical id is required")
	}
	if len(id) > maxLogicalIDLength {
		return fmt.Errorf("logical id %q exceeds %d characters", id, maxLogicalIDLength)
	}
	if !logicalIDPattern.MatchString(id) {
		return fmt.Errorf("logical id %q must be alphanumeric", id)
	}
	return nil
}

// Add registers a resource. Logical IDs share one namespace with parameters.
func (s *Stack) Add(r *Resource) error {
	if r == nil {
		return fmt.Errorf("resource is nil")
	}
	if err := validLogicalID(r.LogicalID); err != nil {
		return err
	}
	if strings.TrimSpace(r.Type) == "" {
		return fmt.Errorf("resource %s: type is required", r.LogicalID)
	}
	if _, ok := s.byID[r.LogicalID]; ok {
		return fmt.Errorf("duplicate logical id %q", r.LogicalID)
	}
	if _, ok := s.paramIDs[r.LogicalID]; ok {
		return fmt.Errorf("logical id %q already used by a parameter", r.LogicalID)
	}
	switch r.DeletionPolicy {
	case "", DeletionPolicyDelete, DeletionPolicyRetain, DeletionPolicySnapshot:
	default:
		return fmt.Errorf("resource %s: unknown deletion policy %q", r.LogicalID, r.DeletionPolicy)
	}
	if r.Properties == nil {
		r.Properties = map[string]any{}
	}
	s.resources = append(s.resources, r)
	s.byID[r.LogicalID] = r
	return nil
}

// AddParameter registers a template parameter.
func (s *Stack) AddParameter(p Parameter) error {
	if err := validLogicalID(p.Name); err != nil {
		return err
	}
	if _, ok := s.paramIDs[p.Name]; ok {
		return fmt.Errorf("duplicate parameter %q", p.Name)
	}
	if _, ok := s.byID[p.Name]; ok {
		return fmt.Errorf("parameter %q collides with a resource", p.Name)
	}
	if p.Type == "" {
		p.Type = "String"
	}
	s.parameters = append(s.parameters, p)
	s.paramIDs[p.Name] = struct{}{}
	return nil
}

// AddOutput registers a named output binding.
func (s *Stack) AddOutput(o Output) error {
	if err := validLogicalID(o.Name); err != nil {
		return err
	}
	if o.Value == nil {
		return fmt.Errorf("output %s: value is required", o.Name)
	}
	if _, ok := s.outputIDs[o.Name]; ok {
		return fmt.Errorf("duplicate output %q", o.Name)
	}
	s.outputs = append(s.outputs, o)
	s.outputIDs[o.Name] = struct{}{}
	return nil
}

// Resource looks up a resource by logical ID.
func (s *Stack) Resource(id string) (*Resource, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Resources returns resources in declaration order.
func (s *Stack) Resources() []*Resource {
	return append([]*Resource(nil), s.resources...)
}

// ResourcesOfType returns the resources with the given CloudFormation type in declaration order.
func (s *Stack) ResourcesOfType(typ string) []*Resource {
	var out []*Resource
	for _, r := range s.resources {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

func (s *Stack) Outputs() []Output {
	return append([]Output(nil), s.outputs...)
}

func (s *Stack) Parameters() []Parameter {
	return append([]Parameter(nil), s.parameters...)
}

func (s *Stack) isParameter(name string) bool {
	_, ok := s.paramIDs[name]
	return ok
}

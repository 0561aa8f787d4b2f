// File: internal/topology/topology.go
// Brief: Builds the descriptor model and resource graph in dependency order.

// Package topology declares the LAMP-on-Fargate deployment: network, access
// tiers, credentials, database, container workloads, autoscaling and the
// public entry point. It produces both a typed descriptor model, used for
// invariant checks, and the stack resource graph that is synthesized for the
// provisioning engine.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/tags"

	"github.com/example/lampstack/internal/stack"
)

// Logical IDs shared between components.
const (
	vpcID             = "LabLampVpc"
	albGroupID        = "AlbSecurityGroup"
	ecsGroupID        = "EcsSecurityGroup"
	rdsGroupID        = "RdsSecurityGroup"
	secretID          = "DBSecret"
	databaseID        = "LampRds"
	clusterID         = "EcsCluster"
	executionRoleID   = "ExecutionRole"
	taskRoleID        = "TaskRole"
	appTaskID         = "TaskDef"
	clientTaskID      = "MySQLClientTaskDef"
	appServiceID      = "EcsService"
	clientServiceID   = "MySQLClientService"
	loadBalancerID    = "EcsALB"
	listenerID        = "EcsALBHttpListener"
	targetGroupID     = "EcsALBHttpListenerEcsTargetGroup"
	scalableTargetID  = "EcsServiceScalableTarget"
	appContainerName  = "AppContainer"
	clientContainerNm = "MySQLClientContainer"
)

// Topology is a built declaration: the config it came from, the descriptor
// model and the resource graph.
type Topology struct {
	Config Config
	Model  *Model
	Stack  *stack.Stack
}

type builder struct {
	cfg   Config
	model *Model
	stack *stack.Stack
}

// Build validates cfg, declares every component and checks the model invariants.
func Build(cfg Config) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology config: %w", err)
	}
	b := &builder{
		cfg:   cfg,
		model: &Model{},
		stack: stack.New(cfg.StackName, cfg.Description),
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"network", b.network},
		{"security", b.security},
		{"secret", b.secret},
		{"database", b.database},
		{"compute", b.compute},
		{"load balancer", b.loadBalancer},
		{"services", b.services},
		{"autoscaling", b.autoscaling},
		{"outputs", b.outputs},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("declare %s: %w", step.name, err)
		}
	}
	if _, err := stack.BuildPlan(b.stack); err != nil {
		return nil, err
	}
	if violations := Check(b.model); len(violations) > 0 {
		return nil, &InvariantError{Violations: violations}
	}
	return &Topology{Config: cfg, Model: b.model, Stack: b.stack}, nil
}

// Synthesize builds the template and its plan from the declared graph.
func (t *Topology) Synthesize() (*stack.Template, *stack.Plan, error) {
	return stack.Synthesize(t.Stack)
}

// declare adds a typed resource under id.
func (b *builder) declare(id string, typed cloudformation.Resource) error {
	return b.stack.Declare(&stack.Resource{LogicalID: id}, typed)
}

// declareWith adds a typed resource carrying graph attributes set on r.
func (b *builder) declareWith(r *stack.Resource, typed cloudformation.Resource) error {
	return b.stack.Declare(r, typed)
}

// tags returns the configured tags plus Name, sorted by key.
func (b *builder) tags(name string) []tags.Tag {
	kv := map[string]string{}
	for k, v := range b.cfg.Tags {
		kv[k] = v
	}
	if name != "" {
		kv["Name"] = name
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]tags.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, tags.Tag{Key: k, Value: kv[k]})
	}
	return out
}

func (b *builder) resourceName(parts ...string) string {
	return b.cfg.StackName + "/" + strings.Join(parts, "/")
}

// File: internal/topology/model.go
// Brief: Typed descriptors of the declared topology.

package topology

import (
	"net/netip"
	"sort"
	"time"
)

// Partition is the address range class of a subnet.
type Partition string

const (
	PartitionPublic  Partition = "public"
	PartitionPrivate Partition = "private"
)

// Tier names a traffic boundary.
type Tier string

const (
	TierPublic Tier = "public"
	TierApp    Tier = "app"
	TierData   Tier = "data"
)

type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// Route is a subnet's default route; Target is the gateway logical ID.
type Route struct {
	Destination string
	Target      string
}

// Subnet is one address range placed in one failure domain.
type Subnet struct {
	LogicalID    string
	AZIndex      int
	Partition    Partition
	CIDR         netip.Prefix
	RouteTableID string
	NATGatewayID string
	DefaultRoute Route
}

type Network struct {
	LogicalID         string
	CIDR              netip.Prefix
	AZCount           int
	Subnets           []Subnet
	InternetGatewayID string
	NATGatewayIDs     []string
}

func (n Network) SubnetsIn(p Partition) []Subnet {
	var out []Subnet
	for _, s := range n.Subnets {
		if s.Partition == p {
			out = append(out, s)
		}
	}
	return out
}

// Peer is the other end of a rule: another tier or a CIDR.
type Peer struct {
	Tier Tier
	CIDR string
}

func (p Peer) String() string {
	if p.Tier != "" {
		return "tier:" + string(p.Tier)
	}
	return p.CIDR
}

// Rule is an allow rule. Protocol "-1" means all protocols and ports.
type Rule struct {
	Direction   Direction
	Peer        Peer
	Protocol    string
	FromPort    int
	ToPort      int
	Description string
}

// Boundary is one access-control group; everything not allowed is denied.
type Boundary struct {
	Tier             Tier
	LogicalID        string
	Description      string
	AllowAllOutbound bool
	Rules            []Rule
}

// SecretDescriptor is the generated credential: fixed template keys plus one generated key.
type SecretDescriptor struct {
	LogicalID          string
	Template           map[string]string
	GenerateKey        string
	ExcludePunctuation bool
	IncludeSpace       bool
	Length             int
}

// Keys lists every key present in the resolved secret value.
func (s SecretDescriptor) Keys() []string {
	keys := make([]string, 0, len(s.Template)+1)
	for k := range s.Template {
		keys = append(keys, k)
	}
	if s.GenerateKey != "" {
		keys = append(keys, s.GenerateKey)
	}
	sort.Strings(keys)
	return keys
}

func (s SecretDescriptor) HasKey(key string) bool {
	for _, k := range s.Keys() {
		if k == key {
			return true
		}
	}
	return false
}

type DatabaseDescriptor struct {
	LogicalID        string
	Identifier       string
	Engine           string
	EngineVersion    string
	InstanceClass    string
	StorageGiB       int
	Name             string
	Port             int
	Partition        Partition
	Boundary         Tier
	CredentialSecret string
	LogExports       []string
	LogRetentionDays int
	DeletionPolicy   string
}

// EnvVar is a plain environment variable; Value may be an encoded intrinsic.
type EnvVar struct {
	Name  string
	Value string
}

// SecretBinding injects one key of a secret as an environment variable.
type SecretBinding struct {
	EnvName  string
	SecretID string
	Key      string
}

type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

type ContainerDescriptor struct {
	Name  string
	Image string
	// PrivateRegistry marks Image as repository:tag in the account's own registry.
	PrivateRegistry bool
	MemoryMiB       int
	Command         []string
	Env             []EnvVar
	Secrets         []SecretBinding
	Ports           []PortMapping
	LogGroupID      string
	StreamPrefix    string
}

type TaskShape struct {
	LogicalID     string
	Family        string
	CPU           int
	MemoryMiB     int
	ExecutionRole string
	TaskRole      string
	Containers    []ContainerDescriptor
}

// Grant is one allow statement of an identity.
type Grant struct {
	Actions   []string
	SecretIDs []string
	Wildcard  bool
}

type Identity struct {
	LogicalID       string
	Principal       string
	ManagedPolicies []string
	Grants          []Grant
}

type ServiceDescriptor struct {
	LogicalID     string
	TaskShape     string
	DesiredCount  int
	Partition     Partition
	Boundaries    []Tier
	EnableExec    bool
	GracePeriod   time.Duration
	TargetGroupID string
	ContainerName string
	ContainerPort int
	// Helper services exist only to run ad-hoc tasks and idle at zero replicas.
	Helper bool
}

type ScalingTrigger struct {
	LogicalID     string
	Metric        string
	TargetPercent int
}

type ScalingPolicy struct {
	LogicalID string
	Service   string
	Min       int
	Max       int
	Triggers  []ScalingTrigger
}

type HealthCheck struct {
	Path               string
	Interval           time.Duration
	Timeout            time.Duration
	HealthyThreshold   int
	UnhealthyThreshold int
	HealthyHTTPCodes   string
}

type EntryPoint struct {
	LoadBalancerID string
	ListenerID     string
	TargetGroupID  string
	Port           int
	Boundary       Tier
	Partition      Partition
	Service        string
	HealthCheck    HealthCheck
}

// OutputBinding is a named stack output; Value is an encoded intrinsic.
type OutputBinding struct {
	Name        string
	Description string
	Value       string
}

// Model is the full descriptor set in declaration order.
type Model struct {
	Network       Network
	Boundaries    []Boundary
	Secret        SecretDescriptor
	Database      DatabaseDescriptor
	ClusterID     string
	ExecutionRole Identity
	TaskRole      Identity
	TaskShapes    []TaskShape
	Services      []ServiceDescriptor
	Scaling       ScalingPolicy
	EntryPoint    EntryPoint
	Outputs       []OutputBinding
}

func (m *Model) Boundary(t Tier) (Boundary, bool) {
	for _, b := range m.Boundaries {
		if b.Tier == t {
			return b, true
		}
	}
	return Boundary{}, false
}

func (m *Model) Service(id string) (ServiceDescriptor, bool) {
	for _, s := range m.Services {
		if s.LogicalID == id {
			return s, true
		}
	}
	return ServiceDescriptor{}, false
}

func (m *Model) TaskShape(id string) (TaskShape, bool) {
	for _, t := range m.TaskShapes {
		if t.LogicalID == id {
			return t, true
		}
	}
	return TaskShape{}, false
}

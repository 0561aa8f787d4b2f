// File: internal/topology/invariants.go
// Brief: Structural invariants of the descriptor model.

package topology

import (
	"fmt"
	"sort"
	"strings"
)

// Violation codes reported by Check.
const (
	CodeSubnetPlacement   = "SUBNET_PLACEMENT"
	CodeTierChain         = "TIER_CHAIN"
	CodeDataPublicIngress = "DATA_PUBLIC_INGRESS"
	CodeSecretKey         = "SECRET_KEY"
	CodePlainPassword     = "PLAIN_PASSWORD"
	CodeIdentityScope     = "IDENTITY_SCOPE"
	CodeScalingBounds     = "SCALING_BOUNDS"
	CodeHealthPolicy      = "HEALTH_POLICY"
	CodeDeletionPolicy    = "DELETION_POLICY"
	CodeHelperReplicas    = "HELPER_REPLICAS"
	CodeDBPlacement       = "DB_PLACEMENT"
	CodeEgressRoute       = "EGRESS_ROUTE"
)

// Violation is one broken invariant.
type Violation struct {
	Code    string `json:"code"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %s: %s", v.Code, v.Subject, v.Message)
}

// InvariantError wraps the violations that stopped a build.
type InvariantError struct {
	Violations []Violation
}

func (e *InvariantError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return fmt.Sprintf("%d topology invariant(s) violated: %s", len(e.Violations), strings.Join(parts, "; "))
}

// Check evaluates every invariant and returns the violations sorted by code and subject.
// Health check values are only bounded here; the exact 2/3/60s/10s/"200" policy
// is held by the HEALTH_POLICY guardrail warnings and the topology tests.
func Check(m *Model) []Violation {
	var out []Violation
	report := func(code, subject, format string, args ...any) {
		out = append(out, Violation{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)})
	}
	checkSubnets(m, report)
	checkRoutes(m, report)
	checkBoundaries(m, report)
	checkSecrets(m, report)
	checkIdentity(m, report)
	checkDatabase(m, report)
	checkServices(m, report)
	checkScaling(m, report)
	checkHealth(m, report)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Subject < out[j].Subject
	})
	return out
}

type reporter func(code, subject, format string, args ...any)

func checkSubnets(m *Model, report reporter) {
	n := m.Network
	seen := map[string]string{}
	for i, s := range n.Subnets {
		if s.AZIndex < 0 || s.AZIndex >= n.AZCount {
			report(CodeSubnetPlacement, s.LogicalID, "availability zone index %d outside 0..%d", s.AZIndex, n.AZCount-1)
		}
		if s.Partition != PartitionPublic && s.Partition != PartitionPrivate {
			report(CodeSubnetPlacement, s.LogicalID, "unknown partition %q", s.Partition)
		}
		key := fmt.Sprintf("%s/%d", s.Partition, s.AZIndex)
		if other, dup := seen[key]; dup {
			report(CodeSubnetPlacement, s.LogicalID, "shares %s zone %d with %s", s.Partition, s.AZIndex, other)
		}
		seen[key] = s.LogicalID
		if !n.CIDR.Contains(s.CIDR.Addr()) || s.CIDR.Bits() < n.CIDR.Bits() {
			report(CodeSubnetPlacement, s.LogicalID, "range %s is outside %s", s.CIDR, n.CIDR)
		}
		for _, o := range n.Subnets[i+1:] {
			if s.CIDR.Overlaps(o.CIDR) {
				report(CodeSubnetPlacement, s.LogicalID, "range %s overlaps %s (%s)", s.CIDR, o.LogicalID, o.CIDR)
			}
		}
	}
	for az := 0; az < n.AZCount; az++ {
		for _, p := range []Partition{PartitionPublic, PartitionPrivate} {
			if _, ok := seen[fmt.Sprintf("%s/%d", p, az)]; !ok {
				report(CodeSubnetPlacement, n.LogicalID, "zone %d has no %s subnet", az, p)
			}
		}
	}
}

// checkRoutes requires a default route on every subnet: public subnets through
// the internet gateway, private subnets through a NAT gateway of this network.
func checkRoutes(m *Model, report reporter) {
	n := m.Network
	nats := map[string]struct{}{}
	for _, id := range n.NATGatewayIDs {
		nats[id] = struct{}{}
	}
	for _, s := range n.Subnets {
		r := s.DefaultRoute
		if r.Target == "" || r.Destination != anyIPv4 {
			report(CodeEgressRoute, s.LogicalID, "%s subnet has no default route", s.Partition)
			continue
		}
		switch s.Partition {
		case PartitionPublic:
			if r.Target != n.InternetGatewayID {
				report(CodeEgressRoute, s.LogicalID, "public subnet routes through %s, want %s", r.Target, n.InternetGatewayID)
			}
		case PartitionPrivate:
			if _, ok := nats[r.Target]; !ok {
				report(CodeEgressRoute, s.LogicalID, "private subnet routes through %s, which is not a NAT gateway", r.Target)
			}
		}
	}
}

// allowedIngress is the tier chain: who may open connections into each tier.
var allowedIngress = map[Tier]Tier{
	TierApp:  TierPublic,
	TierData: TierApp,
}

func checkBoundaries(m *Model, report reporter) {
	for _, t := range []Tier{TierPublic, TierApp, TierData} {
		if _, ok := m.Boundary(t); !ok {
			report(CodeTierChain, string(t), "tier has no boundary")
		}
	}
	for _, bd := range m.Boundaries {
		for _, r := range bd.Rules {
			if r.Direction != Ingress {
				continue
			}
			switch bd.Tier {
			case TierPublic:
				if r.Peer.Tier != "" {
					report(CodeTierChain, bd.LogicalID, "public tier accepts traffic from tier %s", r.Peer.Tier)
				}
				if r.Protocol != "tcp" || r.FromPort != r.ToPort {
					report(CodeTierChain, bd.LogicalID, "public tier must accept a single web port, got %s", r)
				}
			default:
				if r.Peer.Tier != allowedIngress[bd.Tier] {
					report(CodeTierChain, bd.LogicalID, "%s tier accepts %s, only tier %s is allowed", bd.Tier, r.Peer, allowedIngress[bd.Tier])
				}
			}
			if bd.Tier == TierData && (r.Peer.CIDR != "" || r.Peer.Tier == TierPublic) {
				report(CodeDataPublicIngress, bd.LogicalID, "data tier reachable from %s", r.Peer)
			}
		}
	}

	app, ok := m.Boundary(TierApp)
	if !ok {
		return
	}
	if app.AllowAllOutbound {
		report(CodeTierChain, app.LogicalID, "app tier must not allow all outbound traffic")
	}
	toData := false
	for _, r := range app.Rules {
		if r.Direction != Egress {
			continue
		}
		switch {
		case r.Peer.Tier == TierData:
			toData = true
			if m.Database.Port != 0 && (r.FromPort != m.Database.Port || r.ToPort != m.Database.Port) {
				report(CodeTierChain, app.LogicalID, "egress to data tier must use port %d, got %s", m.Database.Port, r)
			}
		case r.Peer.Tier != "":
			report(CodeTierChain, app.LogicalID, "egress to tier %s is not part of the chain", r.Peer.Tier)
		case r.Protocol != "tcp" || r.FromPort != r.ToPort:
			report(CodeTierChain, app.LogicalID, "outbound rule must be a single tcp port, got %s", r)
		}
	}
	if !toData {
		report(CodeTierChain, app.LogicalID, "app tier has no egress to the data tier")
	}
}

var sensitiveEnvMarkers = []string{"PASS", "SECRET", "TOKEN"}

func checkSecrets(m *Model, report reporter) {
	for _, shape := range m.TaskShapes {
		for _, c := range shape.Containers {
			subject := shape.LogicalID + "/" + c.Name
			for _, s := range c.Secrets {
				if s.SecretID != m.Secret.LogicalID {
					report(CodeSecretKey, subject, "%s references unknown secret %s", s.EnvName, s.SecretID)
					continue
				}
				if !m.Secret.HasKey(s.Key) {
					report(CodeSecretKey, subject, "%s references key %q, secret has %v", s.EnvName, s.Key, m.Secret.Keys())
				}
			}
			names := map[string]struct{}{}
			for _, e := range c.Env {
				upper := strings.ToUpper(e.Name)
				for _, marker := range sensitiveEnvMarkers {
					if strings.Contains(upper, marker) {
						report(CodePlainPassword, subject, "%s is passed as plain environment text", e.Name)
						break
					}
				}
				names[e.Name] = struct{}{}
			}
			for _, s := range c.Secrets {
				if _, dup := names[s.EnvName]; dup {
					report(CodePlainPassword, subject, "%s is bound both as plain text and as a secret", s.EnvName)
				}
			}
		}
	}
}

func checkIdentity(m *Model, report reporter) {
	id := m.ExecutionRole
	for _, g := range id.Grants {
		if g.Wildcard {
			report(CodeIdentityScope, id.LogicalID, "execution identity has a wildcard grant")
		}
		if len(g.SecretIDs) != 1 || g.SecretIDs[0] != m.Secret.LogicalID {
			report(CodeIdentityScope, id.LogicalID, "execution identity may read only %s, got %v", m.Secret.LogicalID, g.SecretIDs)
		}
		for _, a := range g.Actions {
			if a != "secretsmanager:GetSecretValue" && a != "secretsmanager:DescribeSecret" {
				report(CodeIdentityScope, id.LogicalID, "execution identity grant includes %s", a)
			}
		}
	}
}

func checkDatabase(m *Model, report reporter) {
	db := m.Database
	if db.Partition != PartitionPrivate {
		report(CodeDBPlacement, db.LogicalID, "database placed in %s subnets", db.Partition)
	}
	if db.Boundary != TierData {
		report(CodeDBPlacement, db.LogicalID, "database guarded by tier %s, want %s", db.Boundary, TierData)
	}
	if db.CredentialSecret != m.Secret.LogicalID {
		report(CodeDBPlacement, db.LogicalID, "credentials come from %q, want %s", db.CredentialSecret, m.Secret.LogicalID)
	}
	switch db.DeletionPolicy {
	case RemovalDestroy, RemovalRetain, RemovalSnapshot:
	default:
		report(CodeDeletionPolicy, db.LogicalID, "deletion policy %q is not explicit", db.DeletionPolicy)
	}
}

func checkServices(m *Model, report reporter) {
	for _, svc := range m.Services {
		if _, ok := m.TaskShape(svc.TaskShape); !ok {
			report(CodeTierChain, svc.LogicalID, "unknown task shape %s", svc.TaskShape)
		}
		if svc.Partition != PartitionPrivate {
			report(CodeTierChain, svc.LogicalID, "service placed in %s subnets", svc.Partition)
		}
		if len(svc.Boundaries) != 1 || svc.Boundaries[0] != TierApp {
			report(CodeTierChain, svc.LogicalID, "service must sit in the app tier, got %v", svc.Boundaries)
		}
		if svc.Helper && svc.DesiredCount != 0 {
			report(CodeHelperReplicas, svc.LogicalID, "helper service desired count is %d, want 0", svc.DesiredCount)
		}
	}
}

func checkScaling(m *Model, report reporter) {
	p := m.Scaling
	if p.Min < 0 || p.Min > p.Max {
		report(CodeScalingBounds, p.LogicalID, "bounds [%d,%d] are not ordered", p.Min, p.Max)
	}
	svc, ok := m.Service(p.Service)
	if !ok {
		report(CodeScalingBounds, p.LogicalID, "attached to unknown service %s", p.Service)
	} else if svc.Helper {
		report(CodeScalingBounds, p.LogicalID, "attached to helper service %s", p.Service)
	}
	for _, t := range p.Triggers {
		if t.Metric != MetricCPU && t.Metric != MetricMemory {
			report(CodeScalingBounds, t.LogicalID, "metric %s is not a scalable service metric", t.Metric)
		}
		if t.TargetPercent <= 0 || t.TargetPercent > 100 {
			report(CodeScalingBounds, t.LogicalID, "target %d%% outside (0,100]", t.TargetPercent)
		}
	}
}

func checkHealth(m *Model, report reporter) {
	e := m.EntryPoint
	hc := e.HealthCheck
	if e.Boundary != TierPublic || e.Partition != PartitionPublic {
		report(CodeTierChain, e.LoadBalancerID, "entry point must sit in the public tier and public subnets")
	}
	if !strings.HasPrefix(hc.Path, "/") {
		report(CodeHealthPolicy, e.TargetGroupID, "path %q must be absolute", hc.Path)
	}
	if hc.Timeout <= 0 || hc.Timeout >= hc.Interval {
		report(CodeHealthPolicy, e.TargetGroupID, "timeout %s must be positive and below interval %s", hc.Timeout, hc.Interval)
	}
	if hc.HealthyThreshold < 2 || hc.UnhealthyThreshold < 2 {
		report(CodeHealthPolicy, e.TargetGroupID, "thresholds %d/%d must be at least 2", hc.HealthyThreshold, hc.UnhealthyThreshold)
	}
	if strings.ContainsAny(hc.HealthyHTTPCodes, ",-") {
		report(CodeHealthPolicy, e.TargetGroupID, "only one status code may count as healthy, got %q", hc.HealthyHTTPCodes)
	}
	if _, ok := m.Service(e.Service); !ok {
		report(CodeHealthPolicy, e.TargetGroupID, "routes to unknown service %s", e.Service)
	}
}

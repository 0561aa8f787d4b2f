package topology

import (
	"strings"
	"testing"
)

func TestCheckReportsViolations(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(m *Model)
		code   string
	}{
		{
			name: "public ingress into data tier",
			mutate: func(m *Model) {
				for i := range m.Boundaries {
					if m.Boundaries[i].Tier == TierData {
						m.Boundaries[i].Rules = append(m.Boundaries[i].Rules, Rule{Direction: Ingress, Peer: Peer{CIDR: "0.0.0.0/0"}, Protocol: "tcp", FromPort: 3306, ToPort: 3306})
					}
				}
			},
			code: CodeDataPublicIngress,
		},
		{
			name: "app tier skips the chain",
			mutate: func(m *Model) {
				for i := range m.Boundaries {
					if m.Boundaries[i].Tier == TierApp {
						m.Boundaries[i].AllowAllOutbound = true
					}
				}
			},
			code: CodeTierChain,
		},
		{
			name: "unknown secret key",
			mutate: func(m *Model) {
				m.TaskShapes[0].Containers[0].Secrets[1].Key = "pass"
			},
			code: CodeSecretKey,
		},
		{
			name: "plain password",
			mutate: func(m *Model) {
				c := &m.TaskShapes[1].Containers[0]
				c.Env = append(c.Env, EnvVar{Name: "MYSQL_ROOT_PASSWORD", Value: "hunter2"})
			},
			code: CodePlainPassword,
		},
		{
			name: "execution identity wildcard",
			mutate: func(m *Model) {
				m.ExecutionRole.Grants[0].Wildcard = true
			},
			code: CodeIdentityScope,
		},
		{
			name:   "inverted scaling bounds",
			mutate: func(m *Model) { m.Scaling.Min, m.Scaling.Max = 5, 2 },
			code:   CodeScalingBounds,
		},
		{
			name:   "scaling unknown metric",
			mutate: func(m *Model) { m.Scaling.Triggers[0].Metric = "RequestCount" },
			code:   CodeScalingBounds,
		},
		{
			name:   "health timeout above interval",
			mutate: func(m *Model) { m.EntryPoint.HealthCheck.Timeout = m.EntryPoint.HealthCheck.Interval },
			code:   CodeHealthPolicy,
		},
		{
			name:   "several healthy codes",
			mutate: func(m *Model) { m.EntryPoint.HealthCheck.HealthyHTTPCodes = "200-299" },
			code:   CodeHealthPolicy,
		},
		{
			name:   "implicit deletion policy",
			mutate: func(m *Model) { m.Database.DeletionPolicy = "" },
			code:   CodeDeletionPolicy,
		},
		{
			name: "helper replicas",
			mutate: func(m *Model) {
				for i := range m.Services {
					if m.Services[i].Helper {
						m.Services[i].DesiredCount = 2
					}
				}
			},
			code: CodeHelperReplicas,
		},
		{
			name:   "database in public subnets",
			mutate: func(m *Model) { m.Database.Partition = PartitionPublic },
			code:   CodeDBPlacement,
		},
		{
			name: "overlapping subnets",
			mutate: func(m *Model) {
				m.Network.Subnets[1].CIDR = m.Network.Subnets[0].CIDR
			},
			code: CodeSubnetPlacement,
		},
		{
			name: "private subnet without nat route",
			mutate: func(m *Model) {
				for i := range m.Network.Subnets {
					if m.Network.Subnets[i].Partition == PartitionPrivate {
						m.Network.Subnets[i].DefaultRoute = Route{}
					}
				}
				m.Network.NATGatewayIDs = nil
			},
			code: CodeEgressRoute,
		},
		{
			name: "private subnet routed to the internet gateway",
			mutate: func(m *Model) {
				for i := range m.Network.Subnets {
					if m.Network.Subnets[i].Partition == PartitionPrivate {
						m.Network.Subnets[i].DefaultRoute.Target = m.Network.InternetGatewayID
					}
				}
			},
			code: CodeEgressRoute,
		},
		{
			name: "zone without private subnet",
			mutate: func(m *Model) {
				m.Network.Subnets = m.Network.Subnets[:3]
			},
			code: CodeSubnetPlacement,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := buildDefault(t).Model
			tc.mutate(m)
			violations := Check(m)
			found := false
			for _, v := range violations {
				if v.Code == tc.code {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s, got %v", tc.code, violations)
			}
		})
	}
}

func TestInvariantErrorMessage(t *testing.T) {
	t.Parallel()
	err := &InvariantError{Violations: []Violation{
		{Code: CodeHelperReplicas, Subject: "MySQLClientService", Message: "helper service desired count is 1, want 0"},
		{Code: CodeScalingBounds, Subject: "EcsServiceScalableTarget", Message: "bounds [5,2] are not ordered"},
	}}
	msg := err.Error()
	if !strings.HasPrefix(msg, "2 topology invariant(s) violated: HELPER_REPLICAS MySQLClientService:") {
		t.Fatalf("message = %s", msg)
	}
}

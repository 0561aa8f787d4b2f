package topology

import (
	"errors"
	"net/netip"
	"reflect"
	"strings"
	"testing"
)

func TestPlanAddresses(t *testing.T) {
	t.Parallel()
	plan, err := PlanAddresses(netip.MustParsePrefix("10.0.0.0/16"), 2, 24)
	if err != nil {
		t.Fatalf("PlanAddresses: %v", err)
	}
	want := map[string][]string{
		"public":  {"10.0.0.0/24", "10.0.1.0/24"},
		"private": {"10.0.2.0/24", "10.0.3.0/24"},
	}
	got := map[string][]netip.Prefix{"public": plan.Public, "private": plan.Private}
	for k, prefixes := range got {
		if len(prefixes) != len(want[k]) {
			t.Fatalf("%s = %v, want %v", k, prefixes, want[k])
		}
		for i, p := range prefixes {
			if p.String() != want[k][i] {
				t.Fatalf("%s[%d] = %s, want %s", k, i, p, want[k][i])
			}
		}
	}

	all := append(append([]netip.Prefix(nil), plan.Public...), plan.Private...)
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if all[i].Overlaps(all[j]) {
				t.Fatalf("%s overlaps %s", all[i], all[j])
			}
		}
	}
}

func TestPlanAddressesExhausted(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		vpc  string
		azs  int
		mask int
	}{
		{name: "too many zones", vpc: "10.0.0.0/26", azs: 2, mask: 27},
		{name: "whole range", vpc: "10.0.0.0/24", azs: 1, mask: 24},
	}
	for _, tc := range cases {
		_, err := PlanAddresses(netip.MustParsePrefix(tc.vpc), tc.azs, tc.mask)
		if !errors.Is(err, ErrAddressSpaceExhausted) {
			t.Fatalf("%s: expected ErrAddressSpaceExhausted, got %v", tc.name, err)
		}
	}
	if _, err := PlanAddresses(netip.MustParsePrefix("10.0.0.0/24"), 1, 25); err != nil {
		t.Fatalf("exact fit should succeed: %v", err)
	}
	if _, err := PlanAddresses(netip.MustParsePrefix("10.0.0.0/24"), 2, 16); err == nil {
		t.Fatalf("expected error for mask wider than the vpc")
	}
}

func TestNetworkRequiresNATGateway(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Network.NATGateways = 0
	_, err := Build(cfg)
	if err == nil || !strings.Contains(err.Error(), "network.natGateways must be between 1 and maxAzs") {
		t.Fatalf("expected nat gateway error, got %v", err)
	}
}

func TestSubnetsHaveDefaultRoutes(t *testing.T) {
	t.Parallel()
	n := buildDefault(t).Model.Network
	for _, s := range n.Subnets {
		want := n.InternetGatewayID
		if s.Partition == PartitionPrivate {
			want = n.NATGatewayIDs[s.AZIndex%len(n.NATGatewayIDs)]
		}
		if s.DefaultRoute != (Route{Destination: "0.0.0.0/0", Target: want}) {
			t.Fatalf("%s default route = %+v, want via %s", s.LogicalID, s.DefaultRoute, want)
		}
	}
}

func TestSubnetDeclaration(t *testing.T) {
	t.Parallel()
	topo := buildDefault(t)
	sub, ok := topo.Stack.Resource(vpcID + "PrivateSubnet2")
	if !ok {
		t.Fatalf("private subnet missing")
	}
	if sub.Type != "AWS::EC2::Subnet" || sub.Properties["CidrBlock"] != "10.0.3.0/24" || sub.Properties["MapPublicIpOnLaunch"] != false {
		t.Fatalf("subnet = %s %+v", sub.Type, sub.Properties)
	}
	az, _ := sub.Properties["AvailabilityZone"].(map[string]any)
	sel, _ := az["Fn::Select"].([]any)
	if len(sel) != 2 || sel[0] != "1" {
		t.Fatalf("availability zone = %#v", sub.Properties["AvailabilityZone"])
	}
	if azs, _ := sel[1].(map[string]any); azs == nil || azs["Fn::GetAZs"] == nil {
		t.Fatalf("zone list = %#v", sel[1])
	}
	if !reflect.DeepEqual(sub.Properties["VpcId"], map[string]any{"Ref": vpcID}) {
		t.Fatalf("vpc = %#v", sub.Properties["VpcId"])
	}
}

func TestPrivateRoutesShareNATRoundRobin(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Network.MaxAZs = 3
	cfg.Network.NATGateways = 2
	topo, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	nats := topo.Model.Network.NATGatewayIDs
	if len(nats) != 2 {
		t.Fatalf("nat gateways = %v", nats)
	}
	for i, s := range topo.Model.Network.SubnetsIn(PartitionPrivate) {
		route, ok := topo.Stack.Resource(s.LogicalID + "DefaultRoute")
		if !ok {
			t.Fatalf("missing default route for %s", s.LogicalID)
		}
		ref, _ := route.Properties["NatGatewayId"].(map[string]any)
		if ref["Ref"] != nats[i%2] {
			t.Fatalf("%s routes to %v, want %s", s.LogicalID, ref, nats[i%2])
		}
	}
}

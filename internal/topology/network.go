// File: internal/topology/network.go
// Brief: Address planning and the VPC, subnet, routing and NAT resources.

package topology

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
	"github.com/awslabs/goformation/v7/cloudformation/tags"

	"github.com/example/lampstack/internal/stack"
)

// ErrAddressSpaceExhausted is returned when the requested partitions do not fit the VPC range.
var ErrAddressSpaceExhausted = errors.New("address space exhausted")

// AddressPlan is the subnet layout: one public and one private range per failure domain.
type AddressPlan struct {
	Public  []netip.Prefix
	Private []netip.Prefix
}

// PlanAddresses carves consecutive /mask blocks out of vpc: all public ranges
// first, then all private ranges, so the plan never overlaps.
func PlanAddresses(vpc netip.Prefix, azs, mask int) (AddressPlan, error) {
	if !vpc.IsValid() || !vpc.Addr().Is4() {
		return AddressPlan{}, fmt.Errorf("vpc range %s must be a valid IPv4 prefix", vpc)
	}
	vpc = vpc.Masked()
	if azs < 1 {
		return AddressPlan{}, fmt.Errorf("at least one availability zone is required")
	}
	if mask < vpc.Bits() || mask > 32 {
		return AddressPlan{}, fmt.Errorf("subnet mask /%d does not fit inside %s", mask, vpc)
	}
	block := uint64(1) << (32 - mask)
	capacity := uint64(1) << (32 - vpc.Bits())
	needed := uint64(2*azs) * block
	if needed > capacity {
		return AddressPlan{}, fmt.Errorf("%w: %d /%d subnets need %d addresses, %s has %d", ErrAddressSpaceExhausted, 2*azs, mask, needed, vpc, capacity)
	}
	base := addrToUint(vpc.Addr())
	nth := func(i int) netip.Prefix {
		start := uint32(uint64(base) + uint64(i)*block)
		return netip.PrefixFrom(uintToAddr(start), mask)
	}
	plan := AddressPlan{}
	for i := 0; i < azs; i++ {
		plan.Public = append(plan.Public, nth(i))
	}
	for i := 0; i < azs; i++ {
		plan.Private = append(plan.Private, nth(azs+i))
	}
	return plan, nil
}

func addrToUint(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uintToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func (b *builder) network() error {
	cfg := b.cfg.Network
	prefix, err := netip.ParsePrefix(cfg.CIDR)
	if err != nil {
		return err
	}
	plan, err := PlanAddresses(prefix, cfg.MaxAZs, cfg.SubnetMask)
	if err != nil {
		return err
	}
	net := Network{
		LogicalID:         vpcID,
		CIDR:              prefix,
		AZCount:           cfg.MaxAZs,
		InternetGatewayID: vpcID + "IGW",
	}

	if err := b.declare(vpcID, &ec2.VPC{
		CidrBlock:          cloudformation.String(prefix.String()),
		EnableDnsHostnames: cloudformation.Bool(true),
		EnableDnsSupport:   cloudformation.Bool(true),
		InstanceTenancy:    cloudformation.String("default"),
		Tags:               b.tags(b.resourceName("LAB-LAMP-VPC")),
	}); err != nil {
		return err
	}
	gatewayAttachment := vpcID + "VPCGW"
	if err := b.declare(net.InternetGatewayID, &ec2.InternetGateway{
		Tags: b.tags(b.resourceName("LAB-LAMP-VPC")),
	}); err != nil {
		return err
	}
	if err := b.declare(gatewayAttachment, &ec2.VPCGatewayAttachment{
		VpcId:             cloudformation.Ref(vpcID),
		InternetGatewayId: cloudformation.String(cloudformation.Ref(net.InternetGatewayID)),
	}); err != nil {
		return err
	}

	for i, cidr := range plan.Public {
		sub, err := b.subnet(PartitionPublic, i, cidr)
		if err != nil {
			return err
		}
		if err := b.declareWith(&stack.Resource{
			LogicalID: sub.LogicalID + "DefaultRoute",
			DependsOn: []string{gatewayAttachment},
		}, &ec2.Route{
			RouteTableId:         cloudformation.Ref(sub.RouteTableID),
			DestinationCidrBlock: cloudformation.String(anyIPv4),
			GatewayId:            cloudformation.String(cloudformation.Ref(net.InternetGatewayID)),
		}); err != nil {
			return err
		}
		sub.DefaultRoute = Route{Destination: anyIPv4, Target: net.InternetGatewayID}
		if i < cfg.NATGateways {
			eip := sub.LogicalID + "EIP"
			nat := sub.LogicalID + "NATGateway"
			if err := b.declare(eip, &ec2.EIP{
				Domain: cloudformation.String("vpc"),
				Tags:   b.tags(b.resourceName("LAB-LAMP-VPC", publicSubnetName(i))),
			}); err != nil {
				return err
			}
			if err := b.declareWith(&stack.Resource{
				LogicalID: nat,
				DependsOn: []string{sub.LogicalID + "DefaultRoute", sub.LogicalID + "RouteTableAssociation"},
			}, &ec2.NatGateway{
				AllocationId: cloudformation.String(cloudformation.GetAtt(eip, "AllocationId")),
				SubnetId:     cloudformation.Ref(sub.LogicalID),
				Tags:         b.tags(b.resourceName("LAB-LAMP-VPC", publicSubnetName(i))),
			}); err != nil {
				return err
			}
			sub.NATGatewayID = nat
			net.NATGatewayIDs = append(net.NATGatewayIDs, nat)
		}
		net.Subnets = append(net.Subnets, sub)
	}

	for i, cidr := range plan.Private {
		sub, err := b.subnet(PartitionPrivate, i, cidr)
		if err != nil {
			return err
		}
		if len(net.NATGatewayIDs) > 0 {
			nat := net.NATGatewayIDs[i%len(net.NATGatewayIDs)]
			if err := b.declare(sub.LogicalID+"DefaultRoute", &ec2.Route{
				RouteTableId:         cloudformation.Ref(sub.RouteTableID),
				DestinationCidrBlock: cloudformation.String(anyIPv4),
				NatGatewayId:         cloudformation.String(cloudformation.Ref(nat)),
			}); err != nil {
				return err
			}
			sub.DefaultRoute = Route{Destination: anyIPv4, Target: nat}
		}
		net.Subnets = append(net.Subnets, sub)
	}
	b.model.Network = net
	return nil
}

func publicSubnetName(i int) string  { return fmt.Sprintf("PublicSubnet%d", i+1) }
func privateSubnetName(i int) string { return fmt.Sprintf("PrivateSubnet%d", i+1) }

// subnet declares the subnet, its route table and the association.
func (b *builder) subnet(p Partition, az int, cidr netip.Prefix) (Subnet, error) {
	name := publicSubnetName(az)
	kind := "Public"
	if p == PartitionPrivate {
		name = privateSubnetName(az)
		kind = "Private"
	}
	sub := Subnet{
		LogicalID:    vpcID + name,
		AZIndex:      az,
		Partition:    p,
		CIDR:         cidr,
		RouteTableID: vpcID + name + "RouteTable",
	}
	if err := b.declare(sub.LogicalID, &ec2.Subnet{
		VpcId:               cloudformation.Ref(vpcID),
		CidrBlock:           cloudformation.String(cidr.String()),
		AvailabilityZone:    cloudformation.String(cloudformation.Select(strconv.Itoa(az), []string{cloudformation.GetAZs("")})),
		MapPublicIpOnLaunch: cloudformation.Bool(p == PartitionPublic),
		Tags: append(b.tags(b.resourceName("LAB-LAMP-VPC", name)),
			tags.Tag{Key: "lampstack:subnet-type", Value: kind},
		),
	}); err != nil {
		return Subnet{}, err
	}
	if err := b.declare(sub.RouteTableID, &ec2.RouteTable{
		VpcId: cloudformation.Ref(vpcID),
		Tags:  b.tags(b.resourceName("LAB-LAMP-VPC", name)),
	}); err != nil {
		return Subnet{}, err
	}
	if err := b.declare(sub.LogicalID+"RouteTableAssociation", &ec2.SubnetRouteTableAssociation{
		RouteTableId: cloudformation.Ref(sub.RouteTableID),
		SubnetId:     cloudformation.Ref(sub.LogicalID),
	}); err != nil {
		return Subnet{}, err
	}
	return sub, nil
}

// subnetRefs returns Ref values of the subnets in partition p, in AZ order.
func (b *builder) subnetRefs(p Partition) []string {
	var out []string
	for _, s := range b.model.Network.SubnetsIn(p) {
		out = append(out, cloudformation.Ref(s.LogicalID))
	}
	return out
}

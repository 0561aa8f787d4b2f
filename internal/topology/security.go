// File: internal/topology/security.go
// Brief: The public -> app -> data security group chain.

package topology

import (
	"fmt"
	"strings"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
)

const anyIPv4 = "0.0.0.0/0"

func (b *builder) security() error {
	cfg := b.cfg
	listener := cfg.LoadBalancer.ListenerPort
	appPort := cfg.App.ContainerPort
	dbPort := cfg.Database.Port

	boundaries := []Boundary{
		{
			Tier:             TierPublic,
			LogicalID:        albGroupID,
			Description:      "Allow HTTP access to ALB",
			AllowAllOutbound: true,
			Rules: []Rule{
				{Direction: Ingress, Peer: Peer{CIDR: anyIPv4}, Protocol: "tcp", FromPort: listener, ToPort: listener, Description: "Allow HTTP"},
			},
		},
		{
			Tier:        TierApp,
			LogicalID:   ecsGroupID,
			Description: "ECS Security Group",
			Rules: []Rule{
				{Direction: Ingress, Peer: Peer{Tier: TierPublic}, Protocol: "tcp", FromPort: appPort, ToPort: appPort, Description: "Allow from ALB"},
				{Direction: Egress, Peer: Peer{Tier: TierData}, Protocol: "tcp", FromPort: dbPort, ToPort: dbPort, Description: "Allow MySQL access to RDS"},
				{Direction: Egress, Peer: Peer{CIDR: anyIPv4}, Protocol: "tcp", FromPort: cfg.Security.EgressPort, ToPort: cfg.Security.EgressPort, Description: "Allow ECR/Secrets Manager access"},
			},
		},
		{
			Tier:             TierData,
			LogicalID:        rdsGroupID,
			Description:      "RDS Security Group",
			AllowAllOutbound: true,
			Rules: []Rule{
				{Direction: Ingress, Peer: Peer{Tier: TierApp}, Protocol: "tcp", FromPort: dbPort, ToPort: dbPort, Description: "Allow MySQL from ECS"},
			},
		},
	}
	b.model.Boundaries = boundaries

	groupIDs := map[Tier]string{}
	for _, bd := range boundaries {
		groupIDs[bd.Tier] = bd.LogicalID
	}

	for _, bd := range boundaries {
		var ingress []ec2.SecurityGroup_Ingress
		var egress []ec2.SecurityGroup_Egress
		var separate []Rule
		for _, r := range bd.Rules {
			if r.Peer.Tier != "" {
				// Group-to-group rules are separate resources so the groups do not reference each other.
				separate = append(separate, r)
				continue
			}
			if r.Direction == Ingress {
				ingress = append(ingress, ec2.SecurityGroup_Ingress{
					CidrIp:      cloudformation.String(r.Peer.CIDR),
					IpProtocol:  r.Protocol,
					FromPort:    cloudformation.Int(r.FromPort),
					ToPort:      cloudformation.Int(r.ToPort),
					Description: cloudformation.String(r.Description),
				})
			} else {
				egress = append(egress, ec2.SecurityGroup_Egress{
					CidrIp:      cloudformation.String(r.Peer.CIDR),
					IpProtocol:  r.Protocol,
					FromPort:    cloudformation.Int(r.FromPort),
					ToPort:      cloudformation.Int(r.ToPort),
					Description: cloudformation.String(r.Description),
				})
			}
		}
		if bd.AllowAllOutbound {
			egress = []ec2.SecurityGroup_Egress{{
				CidrIp:      cloudformation.String(anyIPv4),
				IpProtocol:  "-1",
				Description: cloudformation.String("Allow all outbound traffic by default"),
			}}
		}
		if err := b.declare(bd.LogicalID, &ec2.SecurityGroup{
			GroupDescription:     b.resourceName(bd.LogicalID) + " " + bd.Description,
			VpcId:                cloudformation.String(cloudformation.Ref(vpcID)),
			SecurityGroupIngress: ingress,
			SecurityGroupEgress:  egress,
			Tags:                 b.tags(b.resourceName(bd.LogicalID)),
		}); err != nil {
			return err
		}

		for _, r := range separate {
			peerGroup, ok := groupIDs[r.Peer.Tier]
			if !ok {
				return fmt.Errorf("boundary %s references unknown tier %s", bd.LogicalID, r.Peer.Tier)
			}
			id := bd.LogicalID + ruleSuffix(r)
			var typed cloudformation.Resource
			if r.Direction == Ingress {
				typed = &ec2.SecurityGroupIngress{
					GroupId:               cloudformation.String(cloudformation.GetAtt(bd.LogicalID, "GroupId")),
					SourceSecurityGroupId: cloudformation.String(cloudformation.GetAtt(peerGroup, "GroupId")),
					IpProtocol:            r.Protocol,
					FromPort:              cloudformation.Int(r.FromPort),
					ToPort:                cloudformation.Int(r.ToPort),
					Description:           cloudformation.String(r.Description),
				}
			} else {
				typed = &ec2.SecurityGroupEgress{
					GroupId:                    cloudformation.GetAtt(bd.LogicalID, "GroupId"),
					DestinationSecurityGroupId: cloudformation.String(cloudformation.GetAtt(peerGroup, "GroupId")),
					IpProtocol:                 r.Protocol,
					FromPort:                   cloudformation.Int(r.FromPort),
					ToPort:                     cloudformation.Int(r.ToPort),
					Description:                cloudformation.String(r.Description),
				}
			}
			if err := b.declare(id, typed); err != nil {
				return err
			}
		}
	}
	return nil
}

// ruleSuffix names a group-to-group rule resource, e.g. FromAlb or ToRds.
func ruleSuffix(r Rule) string {
	tier := map[Tier]string{TierPublic: "Alb", TierApp: "Ecs", TierData: "Rds"}[r.Peer.Tier]
	if r.Direction == Ingress {
		return "From" + tier
	}
	return "To" + tier
}

// Rules returns the ordered allow rules of tier t. Anything not listed is denied.
func (m *Model) Rules(t Tier) []Rule {
	bd, ok := m.Boundary(t)
	if !ok {
		return nil
	}
	out := append([]Rule(nil), bd.Rules...)
	if bd.AllowAllOutbound {
		out = append(out, Rule{Direction: Egress, Peer: Peer{CIDR: anyIPv4}, Protocol: "-1", Description: "Allow all outbound traffic by default"})
	}
	return out
}

// String renders the (source, protocol, port, direction) tuple.
func (r Rule) String() string {
	ports := "all"
	if r.Protocol != "-1" {
		ports = fmt.Sprintf("%d", r.FromPort)
		if r.ToPort != r.FromPort {
			ports = fmt.Sprintf("%d-%d", r.FromPort, r.ToPort)
		}
	}
	return strings.Join([]string{r.Peer.String(), r.Protocol, ports, string(r.Direction)}, " ")
}

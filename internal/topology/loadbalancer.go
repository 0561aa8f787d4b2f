// File: internal/topology/loadbalancer.go
// Brief: Internet-facing load balancer, listener and target group.

package topology

import (
	"time"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/elasticloadbalancingv2"

	"github.com/example/lampstack/internal/stack"
)

func (b *builder) loadBalancer() error {
	cfg := b.cfg.LoadBalancer
	hc := HealthCheck{
		Path:               cfg.HealthCheck.Path,
		Interval:           cfg.HealthCheck.Interval,
		Timeout:            cfg.HealthCheck.Timeout,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		HealthyHTTPCodes:   cfg.HealthCheck.HealthyHTTPCodes,
	}
	entry := EntryPoint{
		LoadBalancerID: loadBalancerID,
		ListenerID:     listenerID,
		TargetGroupID:  targetGroupID,
		Port:           cfg.ListenerPort,
		Boundary:       TierPublic,
		Partition:      PartitionPublic,
		Service:        appServiceID,
		HealthCheck:    hc,
	}

	// Without the public routes the load balancer can be created before the subnets reach the internet.
	var routes []string
	for _, s := range b.model.Network.SubnetsIn(PartitionPublic) {
		routes = append(routes, s.LogicalID+"DefaultRoute")
	}
	if err := b.declareWith(&stack.Resource{LogicalID: loadBalancerID, DependsOn: routes}, &elasticloadbalancingv2.LoadBalancer{
		Type:           cloudformation.String("application"),
		Scheme:         cloudformation.String("internet-facing"),
		Subnets:        b.subnetRefs(entry.Partition),
		SecurityGroups: []string{cloudformation.GetAtt(albGroupID, "GroupId")},
		LoadBalancerAttributes: []elasticloadbalancingv2.LoadBalancer_LoadBalancerAttribute{{
			Key:   cloudformation.String("deletion_protection.enabled"),
			Value: cloudformation.String("false"),
		}},
		Tags: b.tags(b.resourceName(loadBalancerID)),
	}); err != nil {
		return err
	}

	if err := b.declare(targetGroupID, &elasticloadbalancingv2.TargetGroup{
		Port:                       cloudformation.Int(b.cfg.App.ContainerPort),
		Protocol:                   cloudformation.String("HTTP"),
		TargetType:                 cloudformation.String("ip"),
		VpcId:                      cloudformation.String(cloudformation.Ref(vpcID)),
		HealthCheckEnabled:         cloudformation.Bool(true),
		HealthCheckPath:            cloudformation.String(hc.Path),
		HealthCheckIntervalSeconds: cloudformation.Int(seconds(hc.Interval)),
		HealthCheckTimeoutSeconds:  cloudformation.Int(seconds(hc.Timeout)),
		HealthyThresholdCount:      cloudformation.Int(hc.HealthyThreshold),
		UnhealthyThresholdCount:    cloudformation.Int(hc.UnhealthyThreshold),
		Matcher:                    &elasticloadbalancingv2.TargetGroup_Matcher{HttpCode: cloudformation.String(hc.HealthyHTTPCodes)},
		Tags:                       b.tags(b.resourceName(targetGroupID)),
	}); err != nil {
		return err
	}

	if err := b.declare(listenerID, &elasticloadbalancingv2.Listener{
		LoadBalancerArn: cloudformation.Ref(loadBalancerID),
		Port:            cloudformation.Int(entry.Port),
		Protocol:        cloudformation.String("HTTP"),
		DefaultActions: []elasticloadbalancingv2.Listener_Action{{
			Type:           "forward",
			TargetGroupArn: cloudformation.String(cloudformation.Ref(targetGroupID)),
		}},
	}); err != nil {
		return err
	}
	b.model.EntryPoint = entry
	return nil
}

func seconds(d time.Duration) int {
	return int(d / time.Second)
}

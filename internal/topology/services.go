// File: internal/topology/services.go
// Brief: Fargate services for the application and the database client helper.

package topology

import (
	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ecs"

	"github.com/example/lampstack/internal/stack"
)

func (b *builder) services() error {
	app := ServiceDescriptor{
		LogicalID:     appServiceID,
		TaskShape:     appTaskID,
		DesiredCount:  b.cfg.App.DesiredCount,
		Partition:     PartitionPrivate,
		Boundaries:    []Tier{TierApp},
		EnableExec:    b.cfg.App.EnableExec,
		GracePeriod:   b.cfg.App.HealthCheckGracePeriod,
		TargetGroupID: targetGroupID,
		ContainerName: appContainerName,
		ContainerPort: b.cfg.App.ContainerPort,
	}
	helper := ServiceDescriptor{
		LogicalID:    clientServiceID,
		TaskShape:    clientTaskID,
		DesiredCount: b.cfg.Client.DesiredCount,
		Partition:    PartitionPrivate,
		Boundaries:   []Tier{TierApp},
		EnableExec:   b.cfg.Client.EnableExec,
		Helper:       true,
	}
	for _, svc := range []ServiceDescriptor{app, helper} {
		if err := b.service(svc); err != nil {
			return err
		}
		b.model.Services = append(b.model.Services, svc)
	}
	return nil
}

func (b *builder) service(svc ServiceDescriptor) error {
	groups := make([]string, 0, len(svc.Boundaries))
	for _, t := range svc.Boundaries {
		bd, _ := b.model.Boundary(t)
		groups = append(groups, cloudformation.GetAtt(bd.LogicalID, "GroupId"))
	}
	typed := &ecs.Service{
		Cluster:              cloudformation.String(cloudformation.Ref(clusterID)),
		TaskDefinition:       cloudformation.String(cloudformation.Ref(svc.TaskShape)),
		LaunchType:           cloudformation.String("FARGATE"),
		DesiredCount:         cloudformation.Int(svc.DesiredCount),
		EnableExecuteCommand: cloudformation.Bool(svc.EnableExec),
		EnableECSManagedTags: cloudformation.Bool(false),
		DeploymentConfiguration: &ecs.Service_DeploymentConfiguration{
			MaximumPercent:        cloudformation.Int(200),
			MinimumHealthyPercent: cloudformation.Int(50),
		},
		NetworkConfiguration: &ecs.Service_NetworkConfiguration{
			AwsvpcConfiguration: &ecs.Service_AwsVpcConfiguration{
				AssignPublicIp: cloudformation.String("DISABLED"),
				SecurityGroups: groups,
				Subnets:        b.subnetRefs(svc.Partition),
			},
		},
		Tags: b.tags(b.resourceName(svc.LogicalID)),
	}
	var dependsOn []string
	if svc.TargetGroupID != "" {
		typed.LoadBalancers = []ecs.Service_LoadBalancer{{
			ContainerName:  cloudformation.String(svc.ContainerName),
			ContainerPort:  cloudformation.Int(svc.ContainerPort),
			TargetGroupArn: cloudformation.String(cloudformation.Ref(svc.TargetGroupID)),
		}}
		typed.HealthCheckGracePeriodSeconds = cloudformation.Int(seconds(svc.GracePeriod))
		// The target group must be attached to a listener before a service can register into it.
		dependsOn = append(dependsOn, listenerID)
	}
	// Tasks need the exec channel grants in place before they start.
	if _, ok := b.stack.Resource(policyID(taskRoleID)); ok {
		dependsOn = append(dependsOn, policyID(taskRoleID))
	}
	return b.declareWith(&stack.Resource{LogicalID: svc.LogicalID, DependsOn: dependsOn}, typed)
}

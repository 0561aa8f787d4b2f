// File: internal/topology/autoscaling.go
// Brief: Scalable target and target-tracking policies of the app service.

package topology

import (
	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/applicationautoscaling"

	"github.com/example/lampstack/internal/stack"
)

// Predefined metrics the scaling engine can track for a service.
const (
	MetricCPU    = "ECSServiceAverageCPUUtilization"
	MetricMemory = "ECSServiceAverageMemoryUtilization"
)

func (b *builder) autoscaling() error {
	cfg := b.cfg.Scaling
	policy := ScalingPolicy{
		LogicalID: scalableTargetID,
		Service:   appServiceID,
		Min:       cfg.MinCapacity,
		Max:       cfg.MaxCapacity,
		Triggers: []ScalingTrigger{
			{LogicalID: appServiceID + "CpuScaling", Metric: MetricCPU, TargetPercent: cfg.CPUTargetPercent},
			{LogicalID: appServiceID + "MemoryScaling", Metric: MetricMemory, TargetPercent: cfg.MemoryTargetPercent},
		},
	}

	if err := b.declare(policy.LogicalID, &applicationautoscaling.ScalableTarget{
		MinCapacity:       policy.Min,
		MaxCapacity:       policy.Max,
		ServiceNamespace:  "ecs",
		ScalableDimension: "ecs:service:DesiredCount",
		ResourceId: cloudformation.Join("", []string{
			"service/", cloudformation.Ref(clusterID), "/", cloudformation.GetAtt(policy.Service, serviceNameAttr),
		}),
		RoleARN: cloudformation.String(cloudformation.Join("", []string{
			"arn:", cloudformation.Ref(stack.PseudoPartition), ":iam::", cloudformation.Ref(stack.PseudoAccountID),
			":role/aws-service-role/ecs.application-autoscaling.amazonaws.com/AWSServiceRoleForApplicationAutoScaling_ECSService",
		})),
	}); err != nil {
		return err
	}

	for _, trig := range policy.Triggers {
		tracking := &applicationautoscaling.ScalingPolicy_TargetTrackingScalingPolicyConfiguration{
			PredefinedMetricSpecification: &applicationautoscaling.ScalingPolicy_PredefinedMetricSpecification{
				PredefinedMetricType: trig.Metric,
			},
			TargetValue: float64(trig.TargetPercent),
		}
		if cfg.ScaleInCooldownSecs > 0 {
			tracking.ScaleInCooldown = cloudformation.Int(cfg.ScaleInCooldownSecs)
		}
		if cfg.ScaleOutCooldownSecs > 0 {
			tracking.ScaleOutCooldown = cloudformation.Int(cfg.ScaleOutCooldownSecs)
		}
		if err := b.declare(trig.LogicalID, &applicationautoscaling.ScalingPolicy{
			PolicyName:      b.cfg.StackName + trig.LogicalID,
			PolicyType:      "TargetTrackingScaling",
			ScalingTargetId: cloudformation.String(cloudformation.Ref(policy.LogicalID)),
			TargetTrackingScalingPolicyConfiguration: tracking,
		}); err != nil {
			return err
		}
	}
	b.model.Scaling = policy
	return nil
}

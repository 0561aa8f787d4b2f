// File: internal/topology/compute.go
// Brief: Cluster, identities, container log groups and task definitions.

package topology

import (
	"sort"
	"strconv"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ecs"
	"github.com/awslabs/goformation/v7/cloudformation/iam"
	"github.com/awslabs/goformation/v7/cloudformation/logs"

	"github.com/example/lampstack/internal/stack"
)

const (
	tasksPrincipal         = "ecs-tasks.amazonaws.com"
	executionManagedPolicy = "service-role/AmazonECSTaskExecutionRolePolicy"
)

var (
	secretReadActions = []string{"secretsmanager:GetSecretValue", "secretsmanager:DescribeSecret"}
	execActions       = []string{
		"ssmmessages:CreateControlChannel",
		"ssmmessages:CreateDataChannel",
		"ssmmessages:OpenControlChannel",
		"ssmmessages:OpenDataChannel",
	}
)

func (b *builder) compute() error {
	if err := b.declare(clusterID, &ecs.Cluster{
		Configuration: &ecs.Cluster_ClusterConfiguration{
			ExecuteCommandConfiguration: &ecs.Cluster_ExecuteCommandConfiguration{
				Logging: cloudformation.String("DEFAULT"),
			},
		},
		Tags: b.tags(b.resourceName(clusterID)),
	}); err != nil {
		return err
	}
	b.model.ClusterID = clusterID

	exec := Identity{
		LogicalID:       executionRoleID,
		Principal:       tasksPrincipal,
		ManagedPolicies: []string{executionManagedPolicy},
		Grants:          []Grant{{Actions: secretReadActions, SecretIDs: []string{secretID}}},
	}
	task := Identity{
		LogicalID: taskRoleID,
		Principal: tasksPrincipal,
	}
	if b.cfg.App.EnableExec || b.cfg.Client.EnableExec {
		task.Grants = append(task.Grants, Grant{Actions: execActions, Wildcard: true})
	}
	for _, id := range []Identity{exec, task} {
		if err := b.identity(id); err != nil {
			return err
		}
	}
	b.model.ExecutionRole = exec
	b.model.TaskRole = task

	dbHost := cloudformation.GetAtt(databaseID, endpointAddressAttr)
	dbPort := strconv.Itoa(b.cfg.Database.Port)
	userKey, passKey := b.cfg.Secret.UsernameKey, b.cfg.Secret.PasswordKey

	app := b.cfg.App
	appShape := TaskShape{
		LogicalID:     appTaskID,
		Family:        b.cfg.StackName + "-" + appTaskID,
		CPU:           app.CPU,
		MemoryMiB:     app.MemoryMiB,
		ExecutionRole: executionRoleID,
		TaskRole:      taskRoleID,
		Containers: []ContainerDescriptor{{
			Name:            appContainerName,
			Image:           app.Repository + ":" + app.Tag,
			PrivateRegistry: true,
			MemoryMiB:       app.ContainerMemoryMiB,
			Env: []EnvVar{
				{Name: "DB_CONNECTION", Value: app.DBDriver},
				{Name: "DB_HOST", Value: dbHost},
				{Name: "DB_PORT", Value: dbPort},
				{Name: "DB_NAME", Value: b.cfg.Database.Name},
			},
			Secrets: []SecretBinding{
				{EnvName: "DB_USER", SecretID: secretID, Key: userKey},
				{EnvName: "DB_PASS", SecretID: secretID, Key: passKey},
			},
			Ports:        []PortMapping{{ContainerPort: app.ContainerPort, HostPort: app.ContainerPort, Protocol: "tcp"}},
			LogGroupID:   "AppLogGroup",
			StreamPrefix: app.LogStreamPrefix,
		}},
	}

	client := b.cfg.Client
	clientShape := TaskShape{
		LogicalID:     clientTaskID,
		Family:        b.cfg.StackName + "-" + clientTaskID,
		CPU:           client.CPU,
		MemoryMiB:     client.MemoryMiB,
		ExecutionRole: executionRoleID,
		TaskRole:      taskRoleID,
		Containers: []ContainerDescriptor{{
			Name:      clientContainerNm,
			Image:     client.Image,
			MemoryMiB: client.ContainerMemoryMiB,
			Command:   append([]string(nil), client.Command...),
			Env: []EnvVar{
				{Name: "MYSQL_HOST", Value: dbHost},
				{Name: "MYSQL_PORT", Value: dbPort},
				{Name: "MYSQL_DATABASE", Value: b.cfg.Database.Name},
			},
			Secrets: []SecretBinding{
				{EnvName: "MYSQL_USER", SecretID: secretID, Key: userKey},
				{EnvName: "MYSQL_PASSWORD", SecretID: secretID, Key: passKey},
			},
			LogGroupID:   "MySQLClientLogGroup",
			StreamPrefix: client.LogStreamPrefix,
		}},
	}

	for _, shape := range []struct {
		shape     TaskShape
		retention int
	}{{appShape, app.LogRetentionDays}, {clientShape, client.LogRetentionDays}} {
		if err := b.taskDefinition(shape.shape, shape.retention); err != nil {
			return err
		}
		b.model.TaskShapes = append(b.model.TaskShapes, shape.shape)
	}
	return nil
}

func (b *builder) identity(id Identity) error {
	managed := make([]string, 0, len(id.ManagedPolicies))
	for _, p := range id.ManagedPolicies {
		managed = append(managed, cloudformation.Join("", []string{"arn:", cloudformation.Ref(stack.PseudoPartition), ":iam::aws:policy/" + p}))
	}
	if err := b.declare(id.LogicalID, &iam.Role{
		AssumeRolePolicyDocument: map[string]any{
			"Version": "2012-10-17",
			"Statement": []any{map[string]any{
				"Action":    "sts:AssumeRole",
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": id.Principal},
			}},
		},
		ManagedPolicyArns: managed,
		Tags:              b.tags(b.resourceName(id.LogicalID)),
	}); err != nil {
		return err
	}
	if len(id.Grants) == 0 {
		return nil
	}
	var statements []any
	for _, g := range id.Grants {
		var resource any = "*"
		if !g.Wildcard {
			refs := make([]string, 0, len(g.SecretIDs))
			for _, s := range g.SecretIDs {
				refs = append(refs, cloudformation.Ref(s))
			}
			resource = refs
			if len(refs) == 1 {
				resource = refs[0]
			}
		}
		statements = append(statements, map[string]any{
			"Action":   append([]string(nil), g.Actions...),
			"Effect":   "Allow",
			"Resource": resource,
		})
	}
	return b.declare(policyID(id.LogicalID), &iam.Policy{
		PolicyName: policyID(id.LogicalID),
		PolicyDocument: map[string]any{
			"Version":   "2012-10-17",
			"Statement": statements,
		},
		Roles: []string{cloudformation.Ref(id.LogicalID)},
	})
}

// policyID names the inline policy resource attached to role.
func policyID(role string) string {
	if role == executionRoleID {
		return role + "SecretPolicy"
	}
	return role + "Policy"
}

func (b *builder) taskDefinition(shape TaskShape, retention int) error {
	var defs []ecs.TaskDefinition_ContainerDefinition
	for _, c := range shape.Containers {
		if err := b.declareWith(&stack.Resource{
			LogicalID:           c.LogGroupID,
			DeletionPolicy:      stack.DeletionPolicyRetain,
			UpdateReplacePolicy: stack.DeletionPolicyRetain,
		}, &logs.LogGroup{
			RetentionInDays: cloudformation.Int(retention),
		}); err != nil {
			return err
		}

		env := append([]EnvVar(nil), c.Env...)
		sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })
		envList := make([]ecs.TaskDefinition_KeyValuePair, 0, len(env))
		for _, e := range env {
			envList = append(envList, ecs.TaskDefinition_KeyValuePair{
				Name:  cloudformation.String(e.Name),
				Value: cloudformation.String(e.Value),
			})
		}
		secrets := make([]ecs.TaskDefinition_Secret, 0, len(c.Secrets))
		for _, s := range c.Secrets {
			secrets = append(secrets, ecs.TaskDefinition_Secret{Name: s.EnvName, ValueFrom: secretKeyARN(s.SecretID, s.Key)})
		}
		def := ecs.TaskDefinition_ContainerDefinition{
			Name:        c.Name,
			Image:       b.imageValue(c),
			Essential:   cloudformation.Bool(true),
			Command:     append([]string(nil), c.Command...),
			Environment: envList,
			Secrets:     secrets,
			LogConfiguration: &ecs.TaskDefinition_LogConfiguration{
				LogDriver: "awslogs",
				Options: map[string]string{
					"awslogs-group":         cloudformation.Ref(c.LogGroupID),
					"awslogs-region":        cloudformation.Ref(stack.PseudoRegion),
					"awslogs-stream-prefix": c.StreamPrefix,
				},
			},
		}
		if c.MemoryMiB > 0 {
			def.Memory = cloudformation.Int(c.MemoryMiB)
		}
		for _, p := range c.Ports {
			def.PortMappings = append(def.PortMappings, ecs.TaskDefinition_PortMapping{
				ContainerPort: cloudformation.Int(p.ContainerPort),
				HostPort:      cloudformation.Int(p.HostPort),
				Protocol:      cloudformation.String(p.Protocol),
			})
		}
		defs = append(defs, def)
	}

	return b.declareWith(&stack.Resource{
		LogicalID: shape.LogicalID,
		// The execution role must be able to read the secret before tasks start.
		DependsOn: []string{policyID(shape.ExecutionRole)},
	}, &ecs.TaskDefinition{
		Family:                  cloudformation.String(shape.Family),
		Cpu:                     cloudformation.String(strconv.Itoa(shape.CPU)),
		Memory:                  cloudformation.String(strconv.Itoa(shape.MemoryMiB)),
		NetworkMode:             cloudformation.String("awsvpc"),
		RequiresCompatibilities: []string{"FARGATE"},
		ExecutionRoleArn:        cloudformation.String(cloudformation.GetAtt(shape.ExecutionRole, "Arn")),
		TaskRoleArn:             cloudformation.String(cloudformation.GetAtt(shape.TaskRole, "Arn")),
		ContainerDefinitions:    defs,
		Tags:                    b.tags(b.resourceName(shape.LogicalID)),
	})
}

// imageValue renders private registry images against the deploying account and region.
func (b *builder) imageValue(c ContainerDescriptor) string {
	if !c.PrivateRegistry {
		return c.Image
	}
	return cloudformation.Join("", []string{
		cloudformation.Ref(stack.PseudoAccountID), ".dkr.ecr.",
		cloudformation.Ref(stack.PseudoRegion), ".",
		cloudformation.Ref(stack.PseudoURLSuffix), "/" + c.Image,
	})
}

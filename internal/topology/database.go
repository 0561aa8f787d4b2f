// File: internal/topology/database.go
// Brief: Managed MySQL instance, its subnet group and log groups.

package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/logs"
	"github.com/awslabs/goformation/v7/cloudformation/rds"
	"github.com/awslabs/goformation/v7/cloudformation/secretsmanager"

	"github.com/example/lampstack/internal/stack"
)

func (b *builder) database() error {
	cfg := b.cfg.Database
	ident := b.cfg.DatabaseIdentifier()
	if len(ident) > 63 || strings.Contains(ident, "--") || strings.HasSuffix(ident, "-") {
		return fmt.Errorf("database identifier %q must be at most 63 characters without consecutive or trailing hyphens", ident)
	}
	desc := DatabaseDescriptor{
		LogicalID:        databaseID,
		Identifier:       ident,
		Engine:           cfg.Engine,
		EngineVersion:    cfg.EngineVersion,
		InstanceClass:    cfg.InstanceClass,
		StorageGiB:       cfg.AllocatedStorageGiB,
		Name:             cfg.Name,
		Port:             cfg.Port,
		Partition:        PartitionPrivate,
		Boundary:         TierData,
		CredentialSecret: secretID,
		LogExports:       append([]string(nil), cfg.LogExports...),
		LogRetentionDays: cfg.LogRetentionDays,
		DeletionPolicy:   cfg.RemovalPolicy,
	}

	subnetGroup := databaseID + "SubnetGroup"
	if err := b.declare(subnetGroup, &rds.DBSubnetGroup{
		DBSubnetGroupDescription: "Subnet group for " + ident,
		SubnetIds:                b.subnetRefs(desc.Partition),
		Tags:                     b.tags(b.resourceName(databaseID)),
	}); err != nil {
		return err
	}

	// Log groups exist before the instance so retention applies from the first export.
	logPolicy := stack.DeletionPolicyRetain
	if desc.DeletionPolicy == RemovalDestroy {
		logPolicy = stack.DeletionPolicyDelete
	}
	var logGroups []string
	for _, l := range desc.LogExports {
		id := databaseID + "LogGroup" + exportName(l)
		if err := b.declareWith(&stack.Resource{
			LogicalID:           id,
			DeletionPolicy:      logPolicy,
			UpdateReplacePolicy: logPolicy,
		}, &logs.LogGroup{
			LogGroupName:    cloudformation.String(fmt.Sprintf("/aws/rds/instance/%s/%s", ident, l)),
			RetentionInDays: cloudformation.Int(desc.LogRetentionDays),
		}); err != nil {
			return err
		}
		logGroups = append(logGroups, id)
	}

	if err := b.declareWith(&stack.Resource{
		LogicalID:           databaseID,
		DependsOn:           logGroups,
		DeletionPolicy:      desc.DeletionPolicy,
		UpdateReplacePolicy: desc.DeletionPolicy,
	}, &rds.DBInstance{
		DBInstanceIdentifier:        cloudformation.String(ident),
		Engine:                      cloudformation.String(desc.Engine),
		EngineVersion:               cloudformation.String(desc.EngineVersion),
		DBInstanceClass:             cloudformation.String(desc.InstanceClass),
		AllocatedStorage:            cloudformation.String(strconv.Itoa(desc.StorageGiB)),
		StorageType:                 cloudformation.String("gp2"),
		DBName:                      cloudformation.String(desc.Name),
		Port:                        cloudformation.String(strconv.Itoa(desc.Port)),
		DBSubnetGroupName:           cloudformation.String(cloudformation.Ref(subnetGroup)),
		VPCSecurityGroups:           []string{cloudformation.GetAtt(rdsGroupID, "GroupId")},
		PubliclyAccessible:          cloudformation.Bool(false),
		MasterUsername:              cloudformation.String(resolveSecret(secretID, b.cfg.Secret.UsernameKey)),
		MasterUserPassword:          cloudformation.String(resolveSecret(secretID, b.cfg.Secret.PasswordKey)),
		EnableCloudwatchLogsExports: append([]string(nil), desc.LogExports...),
		CopyTagsToSnapshot:          cloudformation.Bool(true),
		DeletionProtection:          cloudformation.Bool(false),
		Tags:                        b.tags(b.resourceName(databaseID)),
	}); err != nil {
		return err
	}

	if err := b.declare(secretID+"Attachment", &secretsmanager.SecretTargetAttachment{
		SecretId:   cloudformation.Ref(secretID),
		TargetId:   cloudformation.Ref(databaseID),
		TargetType: "AWS::RDS::DBInstance",
	}); err != nil {
		return err
	}
	b.model.Database = desc
	return nil
}

// exportName turns "slowquery" into "Slowquery" for logical IDs.
func exportName(l string) string {
	if l == "" {
		return l
	}
	return strings.ToUpper(l[:1]) + l[1:]
}

// resolveSecret is a dynamic reference to one key of a secret's value.
func resolveSecret(secret, key string) string {
	return cloudformation.Join("", []string{"{{resolve:secretsmanager:", cloudformation.Ref(secret), ":SecretString:" + key + "::}}"})
}

// secretKeyARN selects one JSON key of a secret for container injection.
func secretKeyARN(secret, key string) string {
	return cloudformation.Join("", []string{cloudformation.Ref(secret), ":" + key + "::"})
}

// Risks lists teardown and replacement hazards of the instance settings.
func (d DatabaseDescriptor) Risks() []string {
	var out []string
	if d.DeletionPolicy == RemovalDestroy {
		out = append(out, fmt.Sprintf("database %s is deleted without a snapshot when the stack is destroyed or the instance is replaced", d.Identifier))
	}
	if d.Identifier != "" {
		out = append(out, fmt.Sprintf("database identifier %s is fixed; changes that require replacement fail until the identifier is changed", d.Identifier))
	}
	return out
}

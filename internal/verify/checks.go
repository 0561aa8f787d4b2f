package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func errFinding(check, subject string, err error) Finding {
	return Finding{Check: check, Status: StatusError, Subject: subject, Detail: err.Error()}
}

// checkSecret confirms every referenced key exists. Values are only inspected
// for presence, never logged or returned.
func (v *Verifier) checkSecret(ctx context.Context, id string, exp Expectations) []Finding {
	const check = "secret"
	out, err := v.Secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return []Finding{errFinding(check, exp.SecretID, err)}
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &value); err != nil {
		return []Finding{{Check: check, Status: StatusFail, Subject: exp.SecretID, Detail: "secret value is not a JSON object"}}
	}
	var fs []Finding
	for _, key := range exp.SecretKeys {
		raw, ok := value[key]
		switch {
		case !ok:
			fs = append(fs, Finding{Check: check, Status: StatusFail, Subject: exp.SecretID, Detail: fmt.Sprintf("key %q is referenced by a container but missing", key)})
		case fmt.Sprint(raw) == "":
			fs = append(fs, Finding{Check: check, Status: StatusFail, Subject: exp.SecretID, Detail: fmt.Sprintf("key %q is empty", key)})
		default:
			fs = append(fs, Finding{Check: check, Status: StatusPass, Subject: exp.SecretID, Detail: fmt.Sprintf("key %q present", key)})
		}
	}
	return fs
}

func (v *Verifier) checkDatabase(ctx context.Context, id string, exp Expectations) []Finding {
	const check = "database"
	out, err := v.Database.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{DBInstanceIdentifier: aws.String(id)})
	if err != nil {
		return []Finding{errFinding(check, exp.DatabaseID, err)}
	}
	if len(out.DBInstances) == 0 {
		return []Finding{{Check: check, Status: StatusFail, Subject: exp.DatabaseID, Detail: "instance " + id + " not found"}}
	}
	db := out.DBInstances[0]
	var fs []Finding
	if aws.ToBool(db.PubliclyAccessible) {
		fs = append(fs, Finding{Check: check, Status: StatusFail, Subject: exp.DatabaseID, Detail: "instance is publicly accessible"})
	} else {
		fs = append(fs, Finding{Check: check, Status: StatusPass, Subject: exp.DatabaseID, Detail: "instance is private"})
	}
	if exp.Engine != "" && aws.ToString(db.Engine) != exp.Engine {
		fs = append(fs, Finding{Check: check, Status: StatusFail, Subject: exp.DatabaseID, Detail: fmt.Sprintf("engine is %s, want %s", aws.ToString(db.Engine), exp.Engine)})
	}
	enabled := map[string]bool{}
	for _, l := range db.EnabledCloudwatchLogsExports {
		enabled[l] = true
	}
	var missing []string
	for _, l := range exp.LogExports {
		if !enabled[l] {
			missing = append(missing, l)
		}
	}
	if len(missing) > 0 {
		fs = append(fs, Finding{Check: check, Status: StatusFail, Subject: exp.DatabaseID, Detail: "log exports not enabled: " + strings.Join(missing, ", ")})
	} else if len(exp.LogExports) > 0 {
		fs = append(fs, Finding{Check: check, Status: StatusPass, Subject: exp.DatabaseID, Detail: "log exports enabled: " + strings.Join(exp.LogExports, ", ")})
	}
	if status := aws.ToString(db.DBInstanceStatus); status != "" && status != "available" {
		fs = append(fs, Finding{Check: check, Status: StatusWarn, Subject: exp.DatabaseID, Detail: "instance status is " + status})
	}
	return fs
}

func (v *Verifier) checkTargetGroup(ctx context.Context, arn string, exp Expectations) []Finding {
	const check = "target-group"
	out, err := v.LoadBalancer.DescribeTargetGroups(ctx, &elasticloadbalancingv2.DescribeTargetGroupsInput{TargetGroupArns: []string{arn}})
	if err != nil {
		return []Finding{errFinding(check, exp.TargetGroupID, err)}
	}
	if len(out.TargetGroups) == 0 {
		return []Finding{{Check: check, Status: StatusFail, Subject: exp.TargetGroupID, Detail: "target group not found"}}
	}
	fs := []Finding{healthFinding(out.TargetGroups[0], exp)}

	th, err := v.LoadBalancer.DescribeTargetHealth(ctx, &elasticloadbalancingv2.DescribeTargetHealthInput{TargetGroupArn: aws.String(arn)})
	if err != nil {
		return append(fs, errFinding("target-health", exp.TargetGroupID, err))
	}
	healthy, other := 0, 0
	for _, d := range th.TargetHealthDescriptions {
		if d.TargetHealth != nil && d.TargetHealth.State == elbtypes.TargetHealthStateEnumHealthy {
			healthy++
		} else {
			other++
		}
	}
	status := StatusPass
	if healthy == 0 {
		status = StatusWarn
	}
	return append(fs, Finding{Check: "target-health", Status: status, Subject: exp.TargetGroupID, Detail: fmt.Sprintf("%d healthy, %d not healthy", healthy, other)})
}

func healthFinding(tg elbtypes.TargetGroup, exp Expectations) Finding {
	want := exp.HealthCheck
	var drift []string
	cmp := func(name string, got, want int) {
		if got != want {
			drift = append(drift, fmt.Sprintf("%s=%d want %d", name, got, want))
		}
	}
	if got := aws.ToString(tg.HealthCheckPath); got != want.Path {
		drift = append(drift, fmt.Sprintf("path=%s want %s", got, want.Path))
	}
	cmp("interval", int(aws.ToInt32(tg.HealthCheckIntervalSeconds)), int(want.Interval/time.Second))
	cmp("timeout", int(aws.ToInt32(tg.HealthCheckTimeoutSeconds)), int(want.Timeout/time.Second))
	cmp("healthyThreshold", int(aws.ToInt32(tg.HealthyThresholdCount)), want.HealthyThreshold)
	cmp("unhealthyThreshold", int(aws.ToInt32(tg.UnhealthyThresholdCount)), want.UnhealthyThreshold)
	codes := ""
	if tg.Matcher != nil {
		codes = aws.ToString(tg.Matcher.HttpCode)
	}
	if codes != want.HealthyHTTPCodes {
		drift = append(drift, fmt.Sprintf("codes=%s want %s", codes, want.HealthyHTTPCodes))
	}
	if len(drift) > 0 {
		return Finding{Check: "target-group", Status: StatusFail, Subject: exp.TargetGroupID, Detail: "health check drift: " + strings.Join(drift, ", ")}
	}
	return Finding{Check: "target-group", Status: StatusPass, Subject: exp.TargetGroupID, Detail: "health check matches"}
}

// checkDataTier accepts exactly one kind of ingress on the data tier group:
// tcp on the database port from the app tier group. Any other peer, port or
// protocol fails, whatever its address range.
func (v *Verifier) checkDataTier(ctx context.Context, groupID, appGroupID string, port int) []Finding {
	const check = "data-tier"
	if appGroupID == "" {
		return []Finding{{Check: check, Status: StatusFail, Subject: groupID, Detail: "app tier group is not part of the deployed stack"}}
	}
	out, err := v.SecurityGroups.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}})
	if err != nil {
		return []Finding{errFinding(check, groupID, err)}
	}
	if len(out.SecurityGroups) == 0 {
		return []Finding{{Check: check, Status: StatusFail, Subject: groupID, Detail: "security group not found"}}
	}
	var extra []string
	fromApp := false
	for _, perm := range out.SecurityGroups[0].IpPermissions {
		proto := aws.ToString(perm.IpProtocol)
		from, to := aws.ToInt32(perm.FromPort), aws.ToInt32(perm.ToPort)
		label := portLabel(proto, from, to)
		dbPortOnly := proto == "tcp" && from == to && int(from) == port
		for _, r := range perm.IpRanges {
			extra = append(extra, label+" from "+aws.ToString(r.CidrIp))
		}
		for _, r := range perm.Ipv6Ranges {
			extra = append(extra, label+" from "+aws.ToString(r.CidrIpv6))
		}
		for _, pl := range perm.PrefixListIds {
			extra = append(extra, label+" from prefix list "+aws.ToString(pl.PrefixListId))
		}
		for _, pair := range perm.UserIdGroupPairs {
			gid := aws.ToString(pair.GroupId)
			switch {
			case gid != appGroupID:
				extra = append(extra, label+" from group "+gid)
			case !dbPortOnly:
				extra = append(extra, fmt.Sprintf("%s from app group %s, want tcp/%d", label, gid, port))
			default:
				fromApp = true
			}
		}
	}
	if len(extra) > 0 {
		return []Finding{{Check: check, Status: StatusFail, Subject: groupID, Detail: "ingress beyond the app tier: " + strings.Join(extra, ", ")}}
	}
	if !fromApp {
		return []Finding{{Check: check, Status: StatusWarn, Subject: groupID, Detail: fmt.Sprintf("no ingress from app group %s on tcp/%d", appGroupID, port)}}
	}
	return []Finding{{Check: check, Status: StatusPass, Subject: groupID, Detail: fmt.Sprintf("only app group %s on tcp/%d", appGroupID, port)}}
}

func portLabel(proto string, from, to int32) string {
	if proto == "-1" {
		return "all traffic"
	}
	if from == to {
		return fmt.Sprintf("%s/%d", proto, from)
	}
	return fmt.Sprintf("%s/%d-%d", proto, from, to)
}

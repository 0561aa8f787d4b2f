// File: internal/verify/verify.go
// Brief: Read-only checks of a deployed stack against its declared topology.

// Package verify inspects the live resources of a deployed stack and reports
// whether they still match the declared topology.
package verify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/example/lampstack/internal/topology"
)

type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type DatabaseAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

type LoadBalancerAPI interface {
	DescribeTargetGroups(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetGroupsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetGroupsOutput, error)
	DescribeTargetHealth(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetHealthInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetHealthOutput, error)
}

type SecurityGroupAPI interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
}

// Clients groups the service clients a Verifier calls. A nil client skips its checks.
type Clients struct {
	Secrets        SecretsAPI
	Database       DatabaseAPI
	LoadBalancer   LoadBalancerAPI
	SecurityGroups SecurityGroupAPI
}

type Status string

const (
	StatusPass  Status = "pass"
	StatusWarn  Status = "warn"
	StatusFail  Status = "fail"
	StatusSkip  Status = "skip"
	StatusError Status = "error"
)

type Finding struct {
	Check   string `json:"check"`
	Status  Status `json:"status"`
	Subject string `json:"subject,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type Report struct {
	Stack     string    `json:"stack"`
	Passed    bool      `json:"passed"`
	CheckedAt time.Time `json:"checkedAt"`
	Findings  []Finding `json:"findings"`
}

// Count returns how many findings have the given status.
func (r *Report) Count(s Status) int {
	n := 0
	for _, f := range r.Findings {
		if f.Status == s {
			n++
		}
	}
	return n
}

// Expectations are the declared values the live resources are compared with.
// The *ID fields are logical IDs resolved through the stack's physical IDs.
type Expectations struct {
	SecretID            string
	SecretKeys          []string
	DatabaseID          string
	Engine              string
	LogExports          []string
	TargetGroupID       string
	HealthCheck         topology.HealthCheck
	DataSecurityGroupID string

	// AppSecurityGroupID is the only group the data tier may accept, on DatabasePort.
	AppSecurityGroupID string
	DatabasePort       int
}

// ExpectationsFromModel derives the expectations of a built topology.
func ExpectationsFromModel(m *topology.Model) Expectations {
	exp := Expectations{
		SecretID:      m.Secret.LogicalID,
		DatabaseID:    m.Database.LogicalID,
		Engine:        m.Database.Engine,
		LogExports:    append([]string(nil), m.Database.LogExports...),
		TargetGroupID: m.EntryPoint.TargetGroupID,
		HealthCheck:   m.EntryPoint.HealthCheck,
		DatabasePort:  m.Database.Port,
	}
	if bd, ok := m.Boundary(topology.TierData); ok {
		exp.DataSecurityGroupID = bd.LogicalID
	}
	if bd, ok := m.Boundary(topology.TierApp); ok {
		exp.AppSecurityGroupID = bd.LogicalID
	}
	seen := map[string]struct{}{}
	for _, shape := range m.TaskShapes {
		for _, c := range shape.Containers {
			for _, s := range c.Secrets {
				if s.SecretID != m.Secret.LogicalID {
					continue
				}
				if _, ok := seen[s.Key]; ok {
					continue
				}
				seen[s.Key] = struct{}{}
				exp.SecretKeys = append(exp.SecretKeys, s.Key)
			}
		}
	}
	sort.Strings(exp.SecretKeys)
	return exp
}

type Verifier struct {
	Clients
	Log logr.Logger

	now func() time.Time
}

// Run executes every check concurrently. AWS call failures are reported as
// error findings so one unreachable service does not hide the others.
func (v *Verifier) Run(ctx context.Context, stack string, physical map[string]string, exp Expectations) (*Report, error) {
	var (
		mu       sync.Mutex
		findings []Finding
	)
	record := func(fs ...Finding) {
		mu.Lock()
		defer mu.Unlock()
		findings = append(findings, fs...)
	}
	checks := []struct {
		name    string
		enabled bool
		logical string
		run     func(ctx context.Context, id string) []Finding
	}{
		{"secret", v.Secrets != nil, exp.SecretID, func(ctx context.Context, id string) []Finding { return v.checkSecret(ctx, id, exp) }},
		{"database", v.Database != nil, exp.DatabaseID, func(ctx context.Context, id string) []Finding { return v.checkDatabase(ctx, id, exp) }},
		{"target-group", v.LoadBalancer != nil, exp.TargetGroupID, func(ctx context.Context, id string) []Finding { return v.checkTargetGroup(ctx, id, exp) }},
		{"data-tier", v.SecurityGroups != nil, exp.DataSecurityGroupID, func(ctx context.Context, id string) []Finding {
			return v.checkDataTier(ctx, id, strings.TrimSpace(physical[exp.AppSecurityGroupID]), exp.DatabasePort)
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range checks {
		c := c
		if !c.enabled {
			record(Finding{Check: c.name, Status: StatusSkip, Subject: c.logical, Detail: "no client configured"})
			continue
		}
		id := strings.TrimSpace(physical[c.logical])
		if id == "" {
			record(Finding{Check: c.name, Status: StatusFail, Subject: c.logical, Detail: "resource is not part of the deployed stack"})
			continue
		}
		g.Go(func() error {
			v.Log.V(1).Info("running check", "check", c.name, "resource", c.logical)
			record(c.run(gctx, id)...)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortFindings(findings)
	rep := &Report{Stack: stack, CheckedAt: v.clock().UTC(), Findings: findings}
	rep.Passed = rep.Count(StatusFail) == 0 && rep.Count(StatusError) == 0
	return rep, nil
}

func (v *Verifier) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

func statusRank(s Status) int {
	switch s {
	case StatusError:
		return 0
	case StatusFail:
		return 1
	case StatusWarn:
		return 2
	case StatusPass:
		return 3
	default:
		return 4
	}
}

func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		fi, fj := findings[i], findings[j]
		if fi.Status != fj.Status {
			return statusRank(fi.Status) < statusRank(fj.Status)
		}
		if fi.Check != fj.Check {
			return fi.Check < fj.Check
		}
		return fi.Detail < fj.Detail
	})
}

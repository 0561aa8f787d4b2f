// File: internal/deploy/deploy.go
// Brief: Change-set based stack apply against CloudFormation.

// Package deploy hands synthesized templates to CloudFormation. It creates and
// executes change sets, follows stack events until a terminal status and
// reads back outputs, physical resources and the deployed template.
package deploy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"
)

// MaxInlineTemplateBytes is the largest TemplateBody CloudFormation accepts.
const MaxInlineTemplateBytes = 51200

// CloudFormationAPI is the subset of the CloudFormation client the deployer uses.
type CloudFormationAPI interface {
	DescribeStacks(ctx context.Context, params *cloudformation.DescribeStacksInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error)
	CreateChangeSet(ctx context.Context, params *cloudformation.CreateChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSet(ctx context.Context, params *cloudformation.DescribeChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSet(ctx context.Context, params *cloudformation.ExecuteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSet(ctx context.Context, params *cloudformation.DeleteChangeSetInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error)
	DeleteStack(ctx context.Context, params *cloudformation.DeleteStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error)
	DescribeStackEvents(ctx context.Context, params *cloudformation.DescribeStackEventsInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error)
	DescribeStackResources(ctx context.Context, params *cloudformation.DescribeStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourcesOutput, error)
	GetTemplate(ctx context.Context, params *cloudformation.GetTemplateInput, optFns ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error)
}

// ObjectPutter uploads templates too large to send inline.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Deployer drives one stack through CloudFormation.
type Deployer struct {
	CFN CloudFormationAPI
	S3  ObjectPutter
	Log logr.Logger

	// PollInterval and Timeout bound every wait; zero values use 5s and 60m.
	PollInterval time.Duration
	Timeout      time.Duration

	// Events receives stack events as they are observed.
	Events func(Event)

	now func() time.Time
}

// Input describes one apply.
type Input struct {
	StackName      string
	Template       []byte
	Digest         string
	TemplateBucket string
	Tags           map[string]string
	Parameters     map[string]string

	// Review sees the computed change set before it executes. Returning an
	// error deletes the change set and aborts the apply.
	Review func(ctx context.Context, changes []Change) error
}

// Change is one resource-level entry of a change set.
type Change struct {
	Action      string `json:"action"`
	LogicalID   string `json:"logicalId"`
	Type        string `json:"type"`
	Replacement string `json:"replacement,omitempty"`
}

// Result is the outcome of Deploy.
type Result struct {
	StackID     string            `json:"stackId,omitempty"`
	ChangeSetID string            `json:"changeSetId,omitempty"`
	Action      string            `json:"action"`
	NoChanges   bool              `json:"noChanges"`
	Changes     []Change          `json:"changes,omitempty"`
	Status      string            `json:"status,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty"`
}

func (d *Deployer) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Deployer) pollInterval() time.Duration {
	if d.PollInterval > 0 {
		return d.PollInterval
	}
	return 5 * time.Second
}

func (d *Deployer) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return 60 * time.Minute
}

// Deploy creates a change set (CREATE or UPDATE), waits for it, executes it and
// waits for the stack to settle. A change set without changes is a no-op.
func (d *Deployer) Deploy(ctx context.Context, in Input) (*Result, error) {
	if d.CFN == nil {
		return nil, errors.New("cloudformation client is required")
	}
	name := strings.TrimSpace(in.StackName)
	if name == "" {
		return nil, errors.New("stack name is required")
	}
	log := d.Log.WithValues("stack", name)

	changeSetType := cfntypes.ChangeSetTypeUpdate
	st, err := d.describeStack(ctx, name)
	switch {
	case errors.Is(err, ErrStackNotFound):
		changeSetType = cfntypes.ChangeSetTypeCreate
	case err != nil:
		return nil, err
	case st.StackStatus == cfntypes.StackStatusReviewInProgress:
		// A previous create never executed its change set.
		changeSetType = cfntypes.ChangeSetTypeCreate
	case st.StackStatus == cfntypes.StackStatusRollbackComplete:
		return nil, fmt.Errorf("stack %s is in %s and must be destroyed before it can be deployed again", name, st.StackStatus)
	case strings.HasSuffix(string(st.StackStatus), "_IN_PROGRESS"):
		return nil, fmt.Errorf("stack %s is busy (%s)", name, st.StackStatus)
	}

	changeSetName := fmt.Sprintf("lampstack-%d", d.clock().UTC().Unix())
	create := &cloudformation.CreateChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(changeSetName),
		ChangeSetType: changeSetType,
		Capabilities:  []cfntypes.Capability{cfntypes.CapabilityCapabilityIam, cfntypes.CapabilityCapabilityNamedIam},
		Tags:          cfnTags(in.Tags),
		Parameters:    cfnParameters(in.Parameters),
		Description:   aws.String("lampstack " + shortDigest(in.Digest)),
	}
	if len(in.Template) > MaxInlineTemplateBytes {
		url, err := d.upload(ctx, name, in)
		if err != nil {
			return nil, err
		}
		create.TemplateURL = aws.String(url)
	} else {
		create.TemplateBody = aws.String(string(in.Template))
	}

	log.Info("creating change set", "changeSet", changeSetName, "type", string(changeSetType), "bytes", len(in.Template))
	created, err := d.CFN.CreateChangeSet(ctx, create)
	if err != nil {
		return nil, errors.Wrap(err, "create change set")
	}
	res := &Result{
		StackID:     aws.ToString(created.StackId),
		ChangeSetID: aws.ToString(created.Id),
		Action:      string(changeSetType),
	}

	changes, err := d.waitChangeSet(ctx, name, res.ChangeSetID)
	if errors.Is(err, ErrNoChanges) {
		log.Info("no changes to apply")
		d.discardChangeSet(ctx, name, res.ChangeSetID, changeSetType)
		res.NoChanges = true
		res.Outputs, err = d.Outputs(ctx, name)
		if err != nil && !errors.Is(err, ErrStackNotFound) {
			return nil, err
		}
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	res.Changes = changes

	if in.Review != nil {
		if err := in.Review(ctx, changes); err != nil {
			d.discardChangeSet(ctx, name, res.ChangeSetID, changeSetType)
			return nil, err
		}
	}

	started := d.clock()
	log.Info("executing change set", "changes", len(changes))
	if _, err := d.CFN.ExecuteChangeSet(ctx, &cloudformation.ExecuteChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(res.ChangeSetID),
	}); err != nil {
		return nil, errors.Wrap(err, "execute change set")
	}

	final, err := d.waitStack(ctx, name, started, false)
	if err != nil {
		return nil, err
	}
	res.Status = string(final.StackStatus)
	res.Outputs = outputsOf(final)
	log.Info("stack settled", "status", res.Status)
	return res, nil
}

// discardChangeSet removes a change set that will not run. An empty CREATE
// change set leaves a REVIEW_IN_PROGRESS stack behind, which is deleted too.
func (d *Deployer) discardChangeSet(ctx context.Context, name, id string, typ cfntypes.ChangeSetType) {
	if _, err := d.CFN.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
		StackName:     aws.String(name),
		ChangeSetName: aws.String(id),
	}); err != nil {
		d.Log.V(1).Info("delete change set failed", "changeSet", id, "error", err.Error())
	}
	if typ == cfntypes.ChangeSetTypeCreate {
		if _, err := d.CFN.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(name)}); err != nil {
			d.Log.V(1).Info("delete review stack failed", "error", err.Error())
		}
	}
}

func (d *Deployer) upload(ctx context.Context, name string, in Input) (string, error) {
	bucket := strings.TrimSpace(in.TemplateBucket)
	if bucket == "" {
		return "", fmt.Errorf("template is %d bytes, above the %d byte inline limit: a template bucket is required", len(in.Template), MaxInlineTemplateBytes)
	}
	if d.S3 == nil {
		return "", errors.New("s3 client is required to upload large templates")
	}
	key := fmt.Sprintf("lampstack/%s/%s.json", name, templateKey(in))
	if _, err := d.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(in.Template)),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return "", errors.Wrapf(err, "upload template to s3://%s/%s", bucket, key)
	}
	d.Log.V(1).Info("uploaded template", "bucket", bucket, "key", key)
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key), nil
}

func templateKey(in Input) string {
	if _, hex, ok := strings.Cut(in.Digest, ":"); ok && hex != "" {
		return hex
	}
	return "template"
}

func (d *Deployer) waitChangeSet(ctx context.Context, name, id string) ([]Change, error) {
	var (
		changes []Change
		failure error
	)
	err := wait.PollUntilContextTimeout(ctx, d.pollInterval(), d.timeout(), true, func(ctx context.Context) (bool, error) {
		out, err := d.CFN.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(name),
			ChangeSetName: aws.String(id),
		})
		if err != nil {
			return false, errors.Wrap(err, "describe change set")
		}
		switch out.Status {
		case cfntypes.ChangeSetStatusCreateComplete:
			changes, err = d.collectChanges(ctx, name, id, out)
			return err == nil, err
		case cfntypes.ChangeSetStatusFailed:
			reason := aws.ToString(out.StatusReason)
			if isNoChangeReason(reason) {
				failure = ErrNoChanges
			} else {
				failure = fmt.Errorf("change set failed: %s", reason)
			}
			return true, nil
		default:
			return false, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return changes, failure
}

func (d *Deployer) collectChanges(ctx context.Context, name, id string, page *cloudformation.DescribeChangeSetOutput) ([]Change, error) {
	var out []Change
	for {
		for _, c := range page.Changes {
			rc := c.ResourceChange
			if rc == nil {
				continue
			}
			out = append(out, Change{
				Action:      string(rc.Action),
				LogicalID:   aws.ToString(rc.LogicalResourceId),
				Type:        aws.ToString(rc.ResourceType),
				Replacement: string(rc.Replacement),
			})
		}
		if aws.ToString(page.NextToken) == "" {
			break
		}
		next, err := d.CFN.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(name),
			ChangeSetName: aws.String(id),
			NextToken:     page.NextToken,
		})
		if err != nil {
			return nil, errors.Wrap(err, "describe change set")
		}
		page = next
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LogicalID < out[j].LogicalID })
	return out, nil
}

func isNoChangeReason(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "didn't contain changes") || strings.Contains(r, "no updates are to be performed")
}

// waitStack polls until the stack reaches a terminal status, forwarding events
// newer than since. With deleting set, a vanished stack counts as success.
func (d *Deployer) waitStack(ctx context.Context, name string, since time.Time, deleting bool) (*cfntypes.Stack, error) {
	var (
		final   *cfntypes.Stack
		failure error
		seen    = map[string]struct{}{}
	)
	err := wait.PollUntilContextTimeout(ctx, d.pollInterval(), d.timeout(), true, func(ctx context.Context) (bool, error) {
		d.forwardEvents(ctx, name, since, seen)
		st, err := d.describeStack(ctx, name)
		if errors.Is(err, ErrStackNotFound) && deleting {
			final = nil
			return true, nil
		}
		if err != nil {
			return false, err
		}
		final = st
		status := string(st.StackStatus)
		switch {
		case strings.HasSuffix(status, "_IN_PROGRESS"):
			return false, nil
		case st.StackStatus == cfntypes.StackStatusDeleteComplete && deleting:
			return true, nil
		case strings.HasSuffix(status, "_FAILED") || strings.Contains(status, "ROLLBACK"):
			failure = &StackFailedError{Stack: name, Status: status, Reason: aws.ToString(st.StackStatusReason)}
			return true, nil
		default:
			return true, nil
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "wait for stack %s", name)
	}
	return final, failure
}

func (d *Deployer) forwardEvents(ctx context.Context, name string, since time.Time, seen map[string]struct{}) {
	if d.Events == nil {
		return
	}
	out, err := d.CFN.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{StackName: aws.String(name)})
	if err != nil {
		d.Log.V(1).Info("describe stack events failed", "error", err.Error())
		return
	}
	var fresh []Event
	for _, e := range out.StackEvents {
		id := aws.ToString(e.EventId)
		if _, ok := seen[id]; ok {
			continue
		}
		ts := aws.ToTime(e.Timestamp)
		if ts.Before(since) {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, Event{
			Time:      ts,
			LogicalID: aws.ToString(e.LogicalResourceId),
			Type:      aws.ToString(e.ResourceType),
			Status:    string(e.ResourceStatus),
			Reason:    aws.ToString(e.ResourceStatusReason),
		})
	}
	// The API returns newest first.
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Time.Before(fresh[j].Time) })
	for _, ev := range fresh {
		d.Events(ev)
	}
}

func cfnTags(tags map[string]string) []cfntypes.Tag {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func cfnParameters(params map[string]string) []cfntypes.Parameter {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(params[k])})
	}
	return out
}

func shortDigest(d string) string {
	const n = 19
	if len(d) <= n {
		return d
	}
	return d[:n]
}

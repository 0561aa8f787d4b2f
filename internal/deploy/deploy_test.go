package deploy

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
)

type fakeCFN struct {
	mu sync.Mutex

	stacks map[string]*cfntypes.Stack

	// noChanges makes every change set fail as empty.
	noChanges bool
	// failExecute makes execution settle in ROLLBACK_COMPLETE.
	failExecute bool

	created   []*cloudformation.CreateChangeSetInput
	executed  int
	deletedCS int
	deletedSt int
	events    []cfntypes.StackEvent
}

func newFakeCFN() *fakeCFN {
	return &fakeCFN{stacks: map[string]*cfntypes.Stack{}}
}

func notFound(name string) error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "Stack with id " + name + " does not exist"}
}

func (f *fakeCFN) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.stacks[aws.ToString(in.StackName)]
	if !ok {
		return nil, notFound(aws.ToString(in.StackName))
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []cfntypes.Stack{*st}}, nil
}

func (f *fakeCFN) CreateChangeSet(_ context.Context, in *cloudformation.CreateChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, in)
	name := aws.ToString(in.StackName)
	if in.ChangeSetType == cfntypes.ChangeSetTypeCreate {
		f.stacks[name] = &cfntypes.Stack{StackName: in.StackName, StackId: aws.String("arn:stack/" + name), StackStatus: cfntypes.StackStatusReviewInProgress}
	}
	return &cloudformation.CreateChangeSetOutput{Id: aws.String("arn:changeset/1"), StackId: aws.String("arn:stack/" + name)}, nil
}

func (f *fakeCFN) DescribeChangeSet(_ context.Context, in *cloudformation.DescribeChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noChanges {
		return &cloudformation.DescribeChangeSetOutput{
			Status:       cfntypes.ChangeSetStatusFailed,
			StatusReason: aws.String("The submitted information didn't contain changes. Submit different information to create a change set."),
		}, nil
	}
	if aws.ToString(in.NextToken) == "" {
		return &cloudformation.DescribeChangeSetOutput{
			Status: cfntypes.ChangeSetStatusCreateComplete,
			Changes: []cfntypes.Change{
				{ResourceChange: &cfntypes.ResourceChange{Action: cfntypes.ChangeActionAdd, LogicalResourceId: aws.String("LampRds"), ResourceType: aws.String("AWS::RDS::DBInstance")}},
			},
			NextToken: aws.String("page2"),
		}, nil
	}
	return &cloudformation.DescribeChangeSetOutput{
		Status: cfntypes.ChangeSetStatusCreateComplete,
		Changes: []cfntypes.Change{
			{ResourceChange: &cfntypes.ResourceChange{Action: cfntypes.ChangeActionAdd, LogicalResourceId: aws.String("EcsALB"), ResourceType: aws.String("AWS::ElasticLoadBalancingV2::LoadBalancer")}},
		},
	}, nil
}

func (f *fakeCFN) ExecuteChangeSet(_ context.Context, in *cloudformation.ExecuteChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	name := aws.ToString(in.StackName)
	st := f.stacks[name]
	if st == nil {
		return nil, notFound(name)
	}
	base := time.Unix(2000, 0)
	f.events = append(f.events,
		cfntypes.StackEvent{EventId: aws.String("e2"), Timestamp: aws.Time(base.Add(2 * time.Second)), LogicalResourceId: aws.String(name), ResourceType: aws.String("AWS::CloudFormation::Stack"), ResourceStatus: cfntypes.ResourceStatusCreateComplete},
		cfntypes.StackEvent{EventId: aws.String("e1"), Timestamp: aws.Time(base), LogicalResourceId: aws.String("LampVpc"), ResourceType: aws.String("AWS::EC2::VPC"), ResourceStatus: cfntypes.ResourceStatusCreateInProgress},
		cfntypes.StackEvent{EventId: aws.String("old"), Timestamp: aws.Time(time.Unix(10, 0)), LogicalResourceId: aws.String("Stale"), ResourceStatus: cfntypes.ResourceStatusCreateComplete},
	)
	if f.failExecute {
		st.StackStatus = cfntypes.StackStatusRollbackComplete
		st.StackStatusReason = aws.String("The following resource(s) failed to create: [LampRds].")
		return &cloudformation.ExecuteChangeSetOutput{}, nil
	}
	st.StackStatus = cfntypes.StackStatusCreateComplete
	st.Outputs = []cfntypes.Output{
		{OutputKey: aws.String("ALBDNS"), OutputValue: aws.String("lamp-123.us-east-1.elb.amazonaws.com")},
		{OutputKey: aws.String("RDSEndpoint"), OutputValue: aws.String("lamp.abc.rds.amazonaws.com")},
	}
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}

func (f *fakeCFN) DeleteChangeSet(context.Context, *cloudformation.DeleteChangeSetInput, ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedCS++
	return &cloudformation.DeleteChangeSetOutput{}, nil
}

func (f *fakeCFN) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedSt++
	delete(f.stacks, aws.ToString(in.StackName))
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *fakeCFN) DescribeStackEvents(context.Context, *cloudformation.DescribeStackEventsInput, ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudformation.DescribeStackEventsOutput{StackEvents: append([]cfntypes.StackEvent(nil), f.events...)}, nil
}

func (f *fakeCFN) DescribeStackResources(_ context.Context, in *cloudformation.DescribeStackResourcesInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourcesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.stacks[aws.ToString(in.StackName)]; !ok {
		return nil, notFound(aws.ToString(in.StackName))
	}
	return &cloudformation.DescribeStackResourcesOutput{StackResources: []cfntypes.StackResource{
		{LogicalResourceId: aws.String("LampRds"), PhysicalResourceId: aws.String("lamp-db"), ResourceType: aws.String("AWS::RDS::DBInstance"), ResourceStatus: cfntypes.ResourceStatusCreateComplete},
		{LogicalResourceId: aws.String("DBSecret"), PhysicalResourceId: aws.String("arn:secret:db"), ResourceType: aws.String("AWS::SecretsManager::Secret"), ResourceStatus: cfntypes.ResourceStatusCreateComplete},
	}}, nil
}

func (f *fakeCFN) GetTemplate(_ context.Context, in *cloudformation.GetTemplateInput, _ ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error) {
	if in.TemplateStage != cfntypes.TemplateStageOriginal {
		return nil, errors.New("unexpected template stage")
	}
	return &cloudformation.GetTemplateOutput{TemplateBody: aws.String(`{"Resources":{"A":{"Type":"AWS::SNS::Topic"}}}`)}, nil
}

type fakeS3 struct {
	puts []*s3.PutObjectInput
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func newDeployer(cfn *fakeCFN) *Deployer {
	return &Deployer{
		CFN:          cfn,
		Log:          logr.Discard(),
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
		now:          func() time.Time { return time.Unix(1000, 0) },
	}
}

func TestDeployCreatesStack(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	d := newDeployer(cfn)
	var events []Event
	d.Events = func(ev Event) { events = append(events, ev) }
	var reviewed []Change

	res, err := d.Deploy(context.Background(), Input{
		StackName: "LampStack",
		Template:  []byte(`{"Resources":{}}`),
		Digest:    "sha256:abcdef",
		Tags:      map[string]string{"b": "2", "a": "1"},
		Review: func(_ context.Context, changes []Change) error {
			reviewed = changes
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if res.Action != string(cfntypes.ChangeSetTypeCreate) || res.NoChanges {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Status != string(cfntypes.StackStatusCreateComplete) {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Outputs["ALBDNS"] == "" || res.Outputs["RDSEndpoint"] == "" {
		t.Fatalf("outputs = %v", res.Outputs)
	}
	if len(reviewed) != 2 || reviewed[0].LogicalID != "EcsALB" || reviewed[1].LogicalID != "LampRds" {
		t.Fatalf("reviewed changes = %+v", reviewed)
	}

	in := cfn.created[0]
	if aws.ToString(in.TemplateBody) != `{"Resources":{}}` || in.TemplateURL != nil {
		t.Fatalf("expected inline template body")
	}
	if len(in.Capabilities) != 2 {
		t.Fatalf("capabilities = %v", in.Capabilities)
	}
	if aws.ToString(in.Tags[0].Key) != "a" || aws.ToString(in.Tags[1].Key) != "b" {
		t.Fatalf("tags not sorted: %+v", in.Tags)
	}

	if len(events) != 2 || events[0].LogicalID != "LampVpc" || events[1].Status != "CREATE_COMPLETE" {
		t.Fatalf("events = %+v", events)
	}
}

func TestDeployNoChanges(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	cfn.noChanges = true
	cfn.stacks["LampStack"] = &cfntypes.Stack{
		StackName:   aws.String("LampStack"),
		StackStatus: cfntypes.StackStatusUpdateComplete,
		Outputs:     []cfntypes.Output{{OutputKey: aws.String("ALBDNS"), OutputValue: aws.String("dns")}},
	}
	d := newDeployer(cfn)

	res, err := d.Deploy(context.Background(), Input{StackName: "LampStack", Template: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if !res.NoChanges || res.Action != string(cfntypes.ChangeSetTypeUpdate) {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Outputs["ALBDNS"] != "dns" {
		t.Fatalf("outputs = %v", res.Outputs)
	}
	if cfn.executed != 0 || cfn.deletedCS != 1 || cfn.deletedSt != 0 {
		t.Fatalf("executed=%d deletedCS=%d deletedSt=%d", cfn.executed, cfn.deletedCS, cfn.deletedSt)
	}
}

func TestDeployLargeTemplate(t *testing.T) {
	t.Parallel()
	big := []byte(`{"Description":"` + strings.Repeat("x", MaxInlineTemplateBytes) + `"}`)

	d := newDeployer(newFakeCFN())
	if _, err := d.Deploy(context.Background(), Input{StackName: "LampStack", Template: big}); err == nil || !strings.Contains(err.Error(), "template bucket") {
		t.Fatalf("expected bucket error, got %v", err)
	}

	cfn := newFakeCFN()
	d = newDeployer(cfn)
	up := &fakeS3{}
	d.S3 = up
	if _, err := d.Deploy(context.Background(), Input{StackName: "LampStack", Template: big, TemplateBucket: "tmpl", Digest: "sha256:feed"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(up.puts) != 1 || aws.ToString(up.puts[0].Key) != "lampstack/LampStack/feed.json" {
		t.Fatalf("puts = %+v", up.puts)
	}
	if got := aws.ToString(cfn.created[0].TemplateURL); got != "https://tmpl.s3.amazonaws.com/lampstack/LampStack/feed.json" {
		t.Fatalf("template url = %s", got)
	}
}

func TestDeployRefusesRolledBackStack(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	cfn.stacks["LampStack"] = &cfntypes.Stack{StackName: aws.String("LampStack"), StackStatus: cfntypes.StackStatusRollbackComplete}
	d := newDeployer(cfn)
	if _, err := d.Deploy(context.Background(), Input{StackName: "LampStack", Template: []byte(`{}`)}); err == nil {
		t.Fatalf("expected error for ROLLBACK_COMPLETE stack")
	}
	if len(cfn.created) != 0 {
		t.Fatalf("no change set should be created")
	}
}

func TestDeployReviewRejects(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	d := newDeployer(cfn)
	stop := errors.New("declined")
	_, err := d.Deploy(context.Background(), Input{
		StackName: "LampStack",
		Template:  []byte(`{}`),
		Review:    func(context.Context, []Change) error { return stop },
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected review error, got %v", err)
	}
	if cfn.executed != 0 || cfn.deletedCS != 1 || cfn.deletedSt != 1 {
		t.Fatalf("executed=%d deletedCS=%d deletedSt=%d", cfn.executed, cfn.deletedCS, cfn.deletedSt)
	}
}

func TestDeployReportsRollback(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	cfn.failExecute = true
	d := newDeployer(cfn)
	_, err := d.Deploy(context.Background(), Input{StackName: "LampStack", Template: []byte(`{}`)})
	var failed *StackFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected StackFailedError, got %v", err)
	}
	if failed.Status != "ROLLBACK_COMPLETE" || !strings.Contains(failed.Error(), "LampRds") {
		t.Fatalf("unexpected failure %v", failed)
	}
}

func TestDestroy(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	d := newDeployer(cfn)

	status, err := d.Destroy(context.Background(), "Missing")
	if err != nil || status != "DELETE_COMPLETE" || cfn.deletedSt != 0 {
		t.Fatalf("absent stack: status=%s err=%v deleted=%d", status, err, cfn.deletedSt)
	}

	cfn.stacks["LampStack"] = &cfntypes.Stack{StackName: aws.String("LampStack"), StackStatus: cfntypes.StackStatusCreateComplete}
	status, err = d.Destroy(context.Background(), "LampStack")
	if err != nil || status != "DELETE_COMPLETE" || cfn.deletedSt != 1 {
		t.Fatalf("status=%s err=%v deleted=%d", status, err, cfn.deletedSt)
	}
	ok, err := d.Exists(context.Background(), "LampStack")
	if err != nil || ok {
		t.Fatalf("Exists after destroy = %v, %v", ok, err)
	}
}

func TestReadBack(t *testing.T) {
	t.Parallel()
	cfn := newFakeCFN()
	cfn.stacks["LampStack"] = &cfntypes.Stack{StackName: aws.String("LampStack"), StackStatus: cfntypes.StackStatusCreateComplete}
	d := newDeployer(cfn)
	ctx := context.Background()

	ids, err := d.PhysicalIDs(ctx, "LampStack")
	if err != nil {
		t.Fatalf("PhysicalIDs: %v", err)
	}
	if ids["LampRds"] != "lamp-db" || ids["DBSecret"] != "arn:secret:db" {
		t.Fatalf("ids = %v", ids)
	}
	res, _ := d.Resources(ctx, "LampStack")
	if res[0].LogicalID != "DBSecret" {
		t.Fatalf("resources not sorted: %+v", res)
	}
	body, err := d.DeployedTemplate(ctx, "LampStack")
	if err != nil {
		t.Fatalf("DeployedTemplate: %v", err)
	}
	if !strings.Contains(string(body), "\n  \"Resources\": {") {
		t.Fatalf("template not indented:\n%s", body)
	}
	if _, err := d.Outputs(ctx, "Nope"); !errors.Is(err, ErrStackNotFound) {
		t.Fatalf("expected ErrStackNotFound, got %v", err)
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()
	if !isNotFound(notFound("x")) {
		t.Fatalf("validation error should map to not found")
	}
	if isNotFound(&smithy.GenericAPIError{Code: "ValidationError", Message: "Template format error"}) {
		t.Fatalf("other validation errors are not not-found")
	}
	if isNotFound(errors.New("Stack with id x does not exist")) {
		t.Fatalf("plain errors are not API errors")
	}
}

func TestEventConsole(t *testing.T) {
	t.Parallel()
	if got := trimToWidth("abcdef", 4); got != "abc…" {
		t.Fatalf("trimToWidth = %q", got)
	}
	if got := formatCell("ab", 4); got != "ab  " {
		t.Fatalf("formatCell = %q", got)
	}
	var buf bytes.Buffer
	c := NewEventConsole(&buf, 100, false)
	c.Handle(Event{Time: time.Unix(0, 0), LogicalID: "LampRds", Type: "AWS::RDS::DBInstance", Status: "CREATE_FAILED", Reason: "quota"})
	c.Handle(Event{Time: time.Unix(1, 0), LogicalID: "EcsALB", Type: "AWS::ElasticLoadBalancingV2::LoadBalancer", Status: "CREATE_COMPLETE"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "TIME") {
		t.Fatalf("output:\n%s", buf.String())
	}
	if !strings.Contains(lines[1], "RDS::DBInstance") || !strings.Contains(lines[1], "quota") {
		t.Fatalf("row = %q", lines[1])
	}
}

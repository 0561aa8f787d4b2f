package stack

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/ec2"
)

func intrinsic(t *testing.T, encoded string) any {
	t.Helper()
	v, err := Value(encoded)
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	return v
}

func testStack(t *testing.T) *Stack {
	t.Helper()
	s := New("demo", "demo stack")
	declare := func(r *Resource, typed cloudformation.Resource) {
		t.Helper()
		if err := s.Declare(r, typed); err != nil {
			t.Fatalf("declare %s: %v", r.LogicalID, err)
		}
	}
	declare(&Resource{LogicalID: "Vpc"}, &ec2.VPC{CidrBlock: cloudformation.String("10.0.0.0/16")})
	declare(&Resource{LogicalID: "Subnet"}, &ec2.Subnet{
		VpcId:            cloudformation.Ref("Vpc"),
		AvailabilityZone: cloudformation.String(cloudformation.Select("0", []string{cloudformation.GetAZs("")})),
	})
	declare(&Resource{LogicalID: "Group"}, &ec2.SecurityGroup{
		VpcId:            cloudformation.String(cloudformation.Ref("Vpc")),
		GroupDescription: cloudformation.Sub("${AWS::StackName} group"),
	})
	declare(&Resource{LogicalID: "Instance", DependsOn: []string{"Vpc"}}, &ec2.Instance{
		SubnetId:         cloudformation.String(cloudformation.Ref("Subnet")),
		SecurityGroupIds: []string{cloudformation.GetAtt("Group", "GroupId")},
	})
	return s
}

func TestAddRejectsInvalidLogicalIDs(t *testing.T) {
	t.Parallel()
	s := New("demo", "")
	cases := []struct {
		name string
		r    *Resource
	}{
		{name: "nil", r: nil},
		{name: "empty", r: &Resource{Type: "AWS::SNS::Topic"}},
		{name: "dash", r: &Resource{LogicalID: "my-topic", Type: "AWS::SNS::Topic"}},
		{name: "no type", r: &Resource{LogicalID: "Topic"}},
		{name: "bad policy", r: &Resource{LogicalID: "Topic", Type: "AWS::SNS::Topic", DeletionPolicy: "Keep"}},
		{name: "too long", r: &Resource{LogicalID: strings.Repeat("a", 256), Type: "AWS::SNS::Topic"}},
	}
	for _, tc := range cases {
		if err := s.Add(tc.r); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	if err := s.Add(&Resource{LogicalID: "Topic", Type: "AWS::SNS::Topic"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(&Resource{LogicalID: "Topic", Type: "AWS::SNS::Topic"}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := s.AddParameter(Parameter{Name: "Topic"}); err == nil {
		t.Fatalf("expected parameter collision error")
	}
}

func TestBuildPlanInfersEdgesAndGroups(t *testing.T) {
	t.Parallel()
	p, err := BuildPlan(testStack(t))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	want := [][]string{{"Vpc"}, {"Group", "Subnet"}, {"Instance"}}
	if !reflect.DeepEqual(p.Groups, want) {
		t.Fatalf("groups = %v, want %v", p.Groups, want)
	}
	if got := p.ByID["Instance"].Needs; !reflect.DeepEqual(got, []string{"Group", "Subnet", "Vpc"}) {
		t.Fatalf("instance needs = %v", got)
	}
	if got := p.ByID["Group"].InferredNeeds["Vpc"]; len(got) != 1 || got[0].Type != "ref" {
		t.Fatalf("group reasons = %+v", got)
	}
	if _, ok := p.ByID["Group"].InferredNeeds[PseudoStackName]; ok {
		t.Fatalf("pseudo parameter must not become an edge")
	}
	g, err := BuildGraph(p)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if got := g.DependentsOf("Vpc"); !reflect.DeepEqual(got, []string{"Group", "Instance", "Subnet"}) {
		t.Fatalf("dependents of Vpc = %v", got)
	}
	if got := g.DepsOf("Instance"); !reflect.DeepEqual(got, []string{"Group", "Subnet", "Vpc"}) {
		t.Fatalf("deps of Instance = %v", got)
	}
}

func TestBuildPlanRejectsDanglingReferences(t *testing.T) {
	t.Parallel()
	s := New("demo", "")
	if err := s.Add(&Resource{LogicalID: "Subnet", Type: "AWS::EC2::Subnet", Properties: map[string]any{"VpcId": intrinsic(t, cloudformation.Ref("Vpc"))}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err := BuildPlan(s)
	if err == nil || !strings.Contains(err.Error(), "undeclared Vpc") {
		t.Fatalf("expected dangling reference error, got %v", err)
	}

	s = New("demo", "")
	if err := s.AddParameter(Parameter{Name: "Vpc"}); err != nil {
		t.Fatalf("add parameter: %v", err)
	}
	if err := s.Add(&Resource{LogicalID: "Subnet", Type: "AWS::EC2::Subnet", Properties: map[string]any{"VpcId": intrinsic(t, cloudformation.Ref("Vpc"))}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddOutput(Output{Name: "Missing", Value: intrinsic(t, cloudformation.GetAtt("Nope", "Arn"))}); err != nil {
		t.Fatalf("add output: %v", err)
	}
	_, err = BuildPlan(s)
	if err == nil || !strings.Contains(err.Error(), "output Missing") {
		t.Fatalf("expected output reference error, got %v", err)
	}
}

func TestBuildPlanReportsCyclePath(t *testing.T) {
	t.Parallel()
	s := New("demo", "")
	for _, r := range []*Resource{
		{LogicalID: "A", Type: "Custom::X", Properties: map[string]any{"Dep": intrinsic(t, cloudformation.Ref("B"))}},
		{LogicalID: "B", Type: "Custom::X", Properties: map[string]any{"Dep": intrinsic(t, cloudformation.GetAtt("C", "Arn"))}},
		{LogicalID: "C", Type: "Custom::X", DependsOn: []string{"A"}},
		{LogicalID: "D", Type: "Custom::X"},
	} {
		if err := s.Add(r); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	_, err := BuildPlan(s)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "dependency cycle detected: A -> B -> C -> A") {
		t.Fatalf("unexpected cycle message: %s", msg)
	}
	if !strings.Contains(msg, "C -> A (declared)") || !strings.Contains(msg, "B -> C (getatt)") {
		t.Fatalf("missing edge hints: %s", msg)
	}
}

func TestSubTokens(t *testing.T) {
	t.Parallel()
	got := subTokens("arn:${AWS::Partition}:x:${Bucket.Arn}/${!Literal}/${Key}${")
	want := []string{"AWS::Partition", "Bucket", "Key"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("subTokens = %v, want %v", got, want)
	}
}

func TestSubVariablesAreLocal(t *testing.T) {
	t.Parallel()
	refs := referencesIn(map[string]any{"Fn::Sub": []any{"${Name}-${Vpc}", map[string]any{"Name": intrinsic(t, cloudformation.Ref("Group"))}}})
	if _, ok := refs["Name"]; ok {
		t.Fatalf("local Sub variable must not be a reference")
	}
	if _, ok := refs["Group"]; !ok {
		t.Fatalf("reference inside Sub variables was missed")
	}
	if _, ok := refs["Vpc"]; !ok {
		t.Fatalf("reference inside Sub format was missed")
	}
}

func TestSynthesizeTemplate(t *testing.T) {
	t.Parallel()
	s := testStack(t)
	if err := s.AddOutput(Output{Name: "VpcId", Value: intrinsic(t, cloudformation.Ref("Vpc")), ExportName: "demo-vpc"}); err != nil {
		t.Fatalf("add output: %v", err)
	}
	tmpl, p, err := Synthesize(s)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(p.Order) != 4 {
		t.Fatalf("order = %v", p.Order)
	}
	if tmpl.AWSTemplateFormatVersion != "2010-09-09" {
		t.Fatalf("format version = %q", tmpl.AWSTemplateFormatVersion)
	}
	if got := tmpl.Resources["Instance"].DependsOn; !reflect.DeepEqual(got, []string{"Vpc"}) {
		t.Fatalf("explicit DependsOn = %v (inferred edges must not be emitted)", got)
	}
	if tmpl.Outputs["VpcId"].Export["Name"] != "demo-vpc" {
		t.Fatalf("export missing: %+v", tmpl.Outputs["VpcId"])
	}

	raw, err := tmpl.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	again, err := tmpl.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	if !bytes.Equal(raw, again) {
		t.Fatalf("JSON rendering is not stable")
	}
	if !bytes.Contains(raw, []byte(`"Fn::Sub": "${AWS::StackName} group"`)) {
		t.Fatalf("Sub rendered incorrectly:\n%s", raw)
	}

	yml, err := tmpl.YAML()
	if err != nil {
		t.Fatalf("YAML: %v", err)
	}
	doc, err := ParseDocument(yml)
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	d1, err := Digest(tmpl)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := DocumentDigest(doc)
	if err != nil {
		t.Fatalf("DocumentDigest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest mismatch after yaml round trip: %s != %s", d1, d2)
	}
	if err := d1.Validate(); err != nil {
		t.Fatalf("invalid digest %s: %v", d1, err)
	}
}

func TestPrintGraph(t *testing.T) {
	t.Parallel()
	p, err := BuildPlan(testStack(t))
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	var dot bytes.Buffer
	if err := PrintGraphDOT(&dot, p); err != nil {
		t.Fatalf("PrintGraphDOT: %v", err)
	}
	if !strings.Contains(dot.String(), `"Vpc" -> "Subnet";`) {
		t.Fatalf("dot output missing edge:\n%s", dot.String())
	}
	var mm bytes.Buffer
	if err := PrintGraphMermaid(&mm, p); err != nil {
		t.Fatalf("PrintGraphMermaid: %v", err)
	}
	if !strings.Contains(mm.String(), "Subnet --> Instance") {
		t.Fatalf("mermaid output missing edge:\n%s", mm.String())
	}
	var groups bytes.Buffer
	if err := PrintGroups(&groups, p); err != nil {
		t.Fatalf("PrintGroups: %v", err)
	}
	if !strings.HasPrefix(groups.String(), "  0  Vpc (AWS::EC2::VPC)\n") {
		t.Fatalf("groups output:\n%s", groups.String())
	}
}

func TestRenderExpandsTypedDeclaration(t *testing.T) {
	t.Parallel()
	typ, props, err := Render(&ec2.SecurityGroup{
		GroupDescription: "data",
		VpcId:            cloudformation.String(cloudformation.Ref("Vpc")),
		SecurityGroupIngress: []ec2.SecurityGroup_Ingress{{
			IpProtocol:            "tcp",
			FromPort:              cloudformation.Int(3306),
			ToPort:                cloudformation.Int(3306),
			SourceSecurityGroupId: cloudformation.String(cloudformation.GetAtt("App", "GroupId")),
		}},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if typ != "AWS::EC2::SecurityGroup" {
		t.Fatalf("type = %q", typ)
	}
	if !reflect.DeepEqual(props["VpcId"], map[string]any{"Ref": "Vpc"}) {
		t.Fatalf("VpcId = %#v", props["VpcId"])
	}
	ingress := props["SecurityGroupIngress"].([]any)[0].(map[string]any)
	if ingress["FromPort"] != 3306 || ingress["IpProtocol"] != "tcp" {
		t.Fatalf("ingress = %#v", ingress)
	}
	if !reflect.DeepEqual(ingress["SourceSecurityGroupId"], map[string]any{"Fn::GetAtt": []any{"App", "GroupId"}}) {
		t.Fatalf("source group = %#v", ingress["SourceSecurityGroupId"])
	}
	if _, ok := props["SecurityGroupEgress"]; ok {
		t.Fatalf("unset fields must be omitted: %#v", props)
	}
	refs := referencesIn(props)
	if _, ok := refs["App"]; !ok {
		t.Fatalf("reference inside typed property was missed: %v", refs)
	}
}

func TestValueExpandsNestedIntrinsics(t *testing.T) {
	t.Parallel()
	got := intrinsic(t, cloudformation.Join("", []string{"arn:", cloudformation.Ref(PseudoPartition), ":iam::aws:policy/x"}))
	want := map[string]any{"Fn::Join": []any{"", []any{"arn:", map[string]any{"Ref": PseudoPartition}, ":iam::aws:policy/x"}}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("join = %#v", got)
	}
	if got := intrinsic(t, "plain"); got != "plain" {
		t.Fatalf("literal = %#v", got)
	}
}

func TestDeclareKeepsGraphAttributes(t *testing.T) {
	t.Parallel()
	s := testStack(t)
	inst, ok := s.Resource("Instance")
	if !ok {
		t.Fatalf("instance missing")
	}
	if inst.Type != "AWS::EC2::Instance" || !reflect.DeepEqual(inst.DependsOn, []string{"Vpc"}) {
		t.Fatalf("instance = %+v", inst)
	}
	if err := s.Declare(&Resource{LogicalID: "Broken"}, nil); err == nil {
		t.Fatalf("expected error for a nil declaration")
	}
}

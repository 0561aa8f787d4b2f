package templatediff

import (
	"strings"
	"testing"
)

const deployed = `{
  "Resources": {
    "LampVpc": {"Type": "AWS::EC2::VPC", "Properties": {"CidrBlock": "10.0.0.0/16"}},
    "LampRds": {"Type": "AWS::RDS::DBInstance", "DeletionPolicy": "Delete", "Properties": {"DBInstanceClass": "db.t3.micro", "Engine": "mysql"}},
    "Old": {"Type": "AWS::SNS::Topic"}
  },
  "Outputs": {"ALBDNS": {"Value": "x"}}
}`

const desired = `{
  "Resources": {
    "LampVpc": {"Type": "AWS::EC2::VPC", "Properties": {"CidrBlock": "10.0.0.0/16"}},
    "LampRds": {"Type": "AWS::RDS::DBInstance", "DeletionPolicy": "Retain", "Properties": {"DBInstanceClass": "db.t3.small", "Engine": "mysql"}},
    "New": {"Type": "AWS::Logs::LogGroup"}
  },
  "Outputs": {"ALBDNS": {"Value": "x"}, "RDSEndpoint": {"Value": "y"}}
}`

func TestCompare(t *testing.T) {
	t.Parallel()
	d, err := Compare([]byte(deployed), []byte(desired))
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if strings.Join(d.Added, ",") != "New" || strings.Join(d.Removed, ",") != "Old" {
		t.Fatalf("added=%v removed=%v", d.Added, d.Removed)
	}
	if len(d.Changed) != 1 || d.Changed[0].LogicalID != "LampRds" {
		t.Fatalf("changed = %+v", d.Changed)
	}
	if got := strings.Join(d.Changed[0].Reasons, ","); got != "DeletionPolicy,Properties.DBInstanceClass" {
		t.Fatalf("reasons = %s", got)
	}
	if strings.Join(d.Outputs, ",") != "RDSEndpoint" {
		t.Fatalf("outputs = %v", d.Outputs)
	}
	if !strings.Contains(d.Text, "--- deployed") || !strings.Contains(d.Text, `+        "DBInstanceClass": "db.t3.small",`) {
		t.Fatalf("unified diff:\n%s", d.Text)
	}
	if !strings.HasPrefix(d.Summary(), "+ New\n- Old\n~ LampRds (AWS::RDS::DBInstance)") {
		t.Fatalf("summary:\n%s", d.Summary())
	}
}

func TestCompareIdenticalAndNew(t *testing.T) {
	t.Parallel()
	d, err := Compare([]byte(desired), []byte(desired))
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if !d.Empty() || d.Text != "" || d.Summary() != "no differences\n" {
		t.Fatalf("expected empty diff, got %+v", d)
	}

	d, err = Compare(nil, []byte(desired))
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(d.Added) != 3 || len(d.Removed) != 0 {
		t.Fatalf("new stack diff = %+v", d)
	}
	if _, err := Compare([]byte("{"), []byte(desired)); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestColorize(t *testing.T) {
	t.Parallel()
	text := "--- a\n+++ b\n@@ -1 +1 @@\n-x\n+y\n"
	if Colorize(text, false) != text {
		t.Fatalf("disabled colorize must be identity")
	}
	out := Colorize(text, true)
	if !strings.Contains(out, "\x1b[31m-x") || !strings.Contains(out, "\x1b[32m+y") {
		t.Fatalf("colorized = %q", out)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/lampstack/internal/policy"
	"github.com/example/lampstack/internal/topology"
)

func TestBindFlagsAndValidate(t *testing.T) {
	t.Parallel()
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	names := o.BindFlags(fs)
	if len(names) != 12 {
		t.Fatalf("flag names = %v", names)
	}
	if err := fs.Parse([]string{"--stack", "Blog", "--policy-mode", "warn", "--timeout", "30m"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := o.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if o.PolicyMode != policy.ModeWarn || o.Timeout != 30*time.Minute || o.StackName != "Blog" {
		t.Fatalf("options = %+v", o)
	}

	bad := NewOptions()
	bad.ColorMode = "sometimes"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected color error")
	}
	bad = NewOptions()
	bad.PollInterval = 2 * bad.Timeout
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected poll interval error")
	}
}

func TestColorEnabled(t *testing.T) {
	t.Parallel()
	o := NewOptions()
	if !o.ColorEnabled(true) || o.ColorEnabled(false) {
		t.Fatalf("auto must follow the terminal")
	}
	o.ColorMode = "never"
	if o.ColorEnabled(true) {
		t.Fatalf("never must disable color")
	}
}

func TestDecodeProject(t *testing.T) {
	t.Parallel()
	cfg, err := DecodeProject(strings.NewReader(`
stackName: BlogStack
database:
  removalPolicy: Retain
scaling:
  maxCapacity: 6
`))
	if err != nil {
		t.Fatalf("DecodeProject: %v", err)
	}
	def := topology.DefaultConfig()
	if cfg.StackName != "BlogStack" || cfg.Database.RemovalPolicy != "Retain" || cfg.Scaling.MaxCapacity != 6 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Network.CIDR != def.Network.CIDR || cfg.Scaling.MinCapacity != def.Scaling.MinCapacity {
		t.Fatalf("defaults lost: %+v", cfg)
	}

	if _, err := DecodeProject(strings.NewReader("databse:\n  port: 1\n")); err == nil {
		t.Fatalf("expected unknown field error")
	}
	empty, err := DecodeProject(strings.NewReader(""))
	if err != nil || empty.StackName != def.StackName {
		t.Fatalf("empty project = %+v, %v", empty, err)
	}
}

func TestTopologyResolution(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(path, []byte("stackName: FromFile\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	o := NewOptions()
	o.Project = path
	cfg, err := o.Topology()
	if err != nil || cfg.StackName != "FromFile" {
		t.Fatalf("Topology = %q, %v", cfg.StackName, err)
	}
	o.StackName = "FromFlag"
	if cfg, _ := o.Topology(); cfg.StackName != "FromFlag" {
		t.Fatalf("flag must override the file, got %q", cfg.StackName)
	}
	o.Project = filepath.Join(dir, "missing.yaml")
	if _, err := o.Topology(); err == nil {
		t.Fatalf("explicit missing project must fail")
	}
}

// File: internal/config/config.go
// Brief: Shared CLI options and project file loading.

// Package config defines the flag plumbing shared by lampstack commands and
// loads the project file that overrides the default topology.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/example/lampstack/internal/policy"
	"github.com/example/lampstack/internal/state"
	"github.com/example/lampstack/internal/topology"
)

// DefaultProjectFile is read when present and --project is not given.
const DefaultProjectFile = "lampstack.yaml"

// Options holds the global CLI configuration.
type Options struct {
	Project        string
	StackName      string
	Region         string
	Profile        string
	StatePath      string
	LogLevel       string
	ColorMode      string
	TemplateBucket string
	PolicyRef      string
	PolicyModeRaw  string
	PolicyMode     policy.Mode
	Timeout        time.Duration
	PollInterval   time.Duration
}

// NewOptions returns Options with defaults applied.
func NewOptions() *Options {
	return &Options{
		StatePath:    state.DefaultPath,
		LogLevel:     "info",
		ColorMode:    "auto",
		PolicyRef:    policy.BuiltinRef,
		Timeout:      60 * time.Minute,
		PollInterval: 5 * time.Second,
	}
}

// AddFlags binds configuration flags to the provided Cobra command.
func (o *Options) AddFlags(cmd *cobra.Command) {
	o.BindFlags(cmd.PersistentFlags())
}

// BindFlags attaches the global flags and returns their names for env binding.
func (o *Options) BindFlags(fs *pflag.FlagSet) []string {
	var names []string
	fs.StringVar(&o.Project, "project", "", "Project file overriding the default topology (defaults to ./lampstack.yaml when present)")
	names = append(names, "project")
	fs.StringVar(&o.StackName, "stack", "", "Stack name (overrides the project file)")
	names = append(names, "stack")
	fs.StringVar(&o.Region, "region", "", "AWS region")
	names = append(names, "region")
	fs.StringVar(&o.Profile, "profile", "", "AWS shared config profile")
	names = append(names, "profile")
	fs.StringVar(&o.StatePath, "state", o.StatePath, "Path of the local run history database")
	names = append(names, "state")
	fs.StringVar(&o.LogLevel, "log-level", o.LogLevel, "Log level: debug, info, warn, error")
	names = append(names, "log-level")
	fs.StringVar(&o.ColorMode, "color", o.ColorMode, "Color output: auto, always, never")
	names = append(names, "color")
	fs.StringVar(&o.TemplateBucket, "template-bucket", "", "S3 bucket for templates above the inline size limit")
	names = append(names, "template-bucket")
	fs.StringVar(&o.PolicyRef, "policy", o.PolicyRef, "Guardrail bundle: builtin, a directory, a .tar/.tgz archive or an http(s) URL")
	names = append(names, "policy")
	fs.StringVar(&o.PolicyModeRaw, "policy-mode", "", "Guardrail mode: enforce or warn")
	names = append(names, "policy-mode")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "Maximum time to wait for a stack operation")
	names = append(names, "timeout")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Interval between stack status polls")
	names = append(names, "poll-interval")
	return names
}

// Validate normalizes values and rejects incoherent combinations.
func (o *Options) Validate() error {
	mode, err := policy.ParseMode(o.PolicyModeRaw)
	if err != nil {
		return err
	}
	o.PolicyMode = mode
	switch strings.ToLower(strings.TrimSpace(o.ColorMode)) {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("invalid --color %q (want auto, always or never)", o.ColorMode)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("--timeout must be positive")
	}
	if o.PollInterval <= 0 || o.PollInterval > o.Timeout {
		return fmt.Errorf("--poll-interval must be positive and below --timeout")
	}
	return nil
}

// ColorEnabled resolves the color mode against whether output is a terminal.
func (o *Options) ColorEnabled(tty bool) bool {
	switch strings.ToLower(strings.TrimSpace(o.ColorMode)) {
	case "always":
		return true
	case "never":
		return false
	default:
		return tty
	}
}

// Topology returns the default topology overlaid with the project file and
// the --stack flag.
func (o *Options) Topology() (topology.Config, error) {
	path := strings.TrimSpace(o.Project)
	explicit := path != ""
	if !explicit {
		path = DefaultProjectFile
	}
	cfg, err := LoadProject(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		cfg, err = topology.DefaultConfig(), nil
	}
	if err != nil {
		return topology.Config{}, err
	}
	if name := strings.TrimSpace(o.StackName); name != "" {
		cfg.StackName = name
	}
	return cfg, nil
}

// LoadProject decodes a project file over DefaultConfig. Unknown keys are errors.
func LoadProject(path string) (topology.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return topology.Config{}, err
	}
	cfg, err := DecodeProject(bytes.NewReader(raw))
	if err != nil {
		return topology.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func DecodeProject(r io.Reader) (topology.Config, error) {
	cfg := topology.DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return topology.Config{}, fmt.Errorf("decode project: %w", err)
	}
	return cfg, nil
}

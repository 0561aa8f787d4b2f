// app.go holds the state shared by every subcommand: options, logger and the
// helpers that turn them into a topology, AWS clients and the run store.
package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"

	"github.com/example/lampstack/internal/config"
	"github.com/example/lampstack/internal/deploy"
	"github.com/example/lampstack/internal/images"
	"github.com/example/lampstack/internal/state"
	"github.com/example/lampstack/internal/stack"
	"github.com/example/lampstack/internal/topology"
)

type app struct {
	opts *config.Options
	log  logr.Logger

	// loadAWS is replaced in tests.
	loadAWS func(ctx context.Context) (aws.Config, error)
}

// synthesized is one build of the topology and its rendered template.
type synthesized struct {
	topo     *topology.Topology
	template *stack.Template
	plan     *stack.Plan
	body     []byte
	digest   digest.Digest
}

// synthesize builds the configured topology. With pin set, literal registry
// images are resolved to digests first.
func (a *app) synthesize(ctx context.Context, pin bool) (*synthesized, error) {
	cfg, err := a.opts.Topology()
	if err != nil {
		return nil, err
	}
	out, err := build(cfg)
	if err != nil {
		return nil, err
	}
	if !pin {
		return out, nil
	}
	doc, err := out.template.Document()
	if err != nil {
		return nil, err
	}
	refs, err := images.Extract(doc)
	if err != nil {
		return nil, err
	}
	pinned, err := images.NewPinner(images.PinnerOptions{}).PinAll(ctx, refs)
	if err != nil {
		return nil, err
	}
	if p, ok := pinned[cfg.Client.Image]; ok && p != cfg.Client.Image {
		a.log.Info("pinned image", "image", cfg.Client.Image, "pinned", p)
		cfg.Client.Image = p
		return build(cfg)
	}
	return out, nil
}

func build(cfg topology.Config) (*synthesized, error) {
	topo, err := topology.Build(cfg)
	if err != nil {
		return nil, err
	}
	tmpl, plan, err := topo.Synthesize()
	if err != nil {
		return nil, err
	}
	body, err := tmpl.JSON()
	if err != nil {
		return nil, err
	}
	dgst, err := stack.Digest(tmpl)
	if err != nil {
		return nil, err
	}
	return &synthesized{topo: topo, template: tmpl, plan: plan, body: body, digest: dgst}, nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.loadAWS != nil {
		return a.loadAWS(ctx)
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if r := strings.TrimSpace(a.opts.Region); r != "" {
		optFns = append(optFns, awsconfig.WithRegion(r))
	}
	if p := strings.TrimSpace(a.opts.Profile); p != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(p))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("no AWS region configured: pass --region or set AWS_REGION")
	}
	return cfg, nil
}

func (a *app) deployer(cfg aws.Config, events io.Writer, color bool) *deploy.Deployer {
	d := &deploy.Deployer{
		CFN:          cloudformation.NewFromConfig(cfg),
		S3:           s3.NewFromConfig(cfg),
		Log:          a.log.WithName("deploy"),
		PollInterval: a.opts.PollInterval,
		Timeout:      a.opts.Timeout,
	}
	if events != nil {
		d.Events = deploy.NewEventConsole(events, terminalWidth(events), color).Handle
	}
	return d
}

func (a *app) openState() (*state.Store, error) {
	return state.Open(a.opts.StatePath, false)
}

// record runs fn inside a history entry. Failing to open the store only logs.
func (a *app) record(ctx context.Context, stackName, command, region string, dgst digest.Digest, fn func() (map[string]string, error)) error {
	store, err := a.openState()
	if err != nil {
		a.log.Info("run history unavailable", "error", err.Error())
		_, runErr := fn()
		return runErr
	}
	defer store.Close()
	run, err := store.CreateRun(ctx, stackName, command, region, dgst.String())
	if err != nil {
		a.log.Info("could not record run", "error", err.Error())
		_, runErr := fn()
		return runErr
	}
	outputs, runErr := fn()
	// Record the outcome even when ctx was cancelled mid-run.
	if err := store.FinishRun(context.WithoutCancel(ctx), run.ID, runErr, outputs); err != nil {
		a.log.Info("could not finish run record", "run", run.ID, "error", err.Error())
	}
	return runErr
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/lampstack/internal/deploy"
	"github.com/example/lampstack/internal/policy"
)

func newDeployCommand(a *app) *cobra.Command {
	var (
		yes            bool
		nonInteractive bool
		pin            bool
	)
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Validate the topology and apply it through a CloudFormation change set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := newGate(cmd, yes, nonInteractive)
			if err != nil {
				return err
			}
			s, err := a.synthesize(ctx, pin)
			if err != nil {
				return err
			}
			rep, err := a.evaluatePolicy(ctx, s)
			if err != nil {
				return err
			}
			if rep.DenyCount+rep.WarnCount > 0 {
				if err := policy.WriteSummary(cmd.ErrOrStderr(), rep); err != nil {
					return err
				}
			}
			if err := rep.Err(); err != nil {
				return err
			}
			for _, risk := range s.topo.Model.Database.Risks() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", risk)
			}

			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			colorOn := a.opts.ColorEnabled(isTerminalWriter(cmd.ErrOrStderr()))
			d := a.deployer(awsCfg, cmd.ErrOrStderr(), colorOn)
			name := s.topo.Config.StackName
			body, err := s.template.CompactJSON()
			if err != nil {
				return err
			}

			var res *deploy.Result
			err = a.record(ctx, name, "deploy", awsCfg.Region, s.digest, func() (map[string]string, error) {
				var err error
				res, err = d.Deploy(ctx, deploy.Input{
					StackName:      name,
					Template:       body,
					Digest:         s.digest.String(),
					TemplateBucket: a.opts.TemplateBucket,
					Tags:           s.topo.Config.Tags,
					Review: func(ctx context.Context, changes []deploy.Change) error {
						writeChanges(cmd.ErrOrStderr(), name, changes)
						return g.confirm(ctx, "Apply these changes? Type 'yes' to continue:", "")
					},
				})
				if err != nil {
					return nil, err
				}
				return res.Outputs, nil
			})
			if err != nil {
				return err
			}
			if res.NoChanges {
				fmt.Fprintf(cmd.ErrOrStderr(), "stack %s is up to date\n", name)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "stack %s: %s\n", name, res.Status)
			}
			return writeOutputs(cmd.OutOrStdout(), res.Outputs, "")
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Apply without prompting")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; requires --yes")
	cmd.Flags().BoolVar(&pin, "pin-images", false, "Resolve public image tags to digests before deploying")
	return cmd
}

func writeChanges(w io.Writer, stackName string, changes []deploy.Change) {
	fmt.Fprintf(w, "Change set for %s (%d changes):\n", stackName, len(changes))
	for _, c := range changes {
		line := fmt.Sprintf("  %-8s %-40s %s", c.Action, c.LogicalID, c.Type)
		if c.Replacement != "" && c.Replacement != "False" {
			line += " (replacement: " + c.Replacement + ")"
		}
		fmt.Fprintln(w, line)
	}
}

func newOutputsCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "outputs",
		Short: "Print the outputs of the deployed stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.opts.Topology()
			if err != nil {
				return err
			}
			awsCfg, err := a.awsConfig(cmd.Context())
			if err != nil {
				return err
			}
			outputs, err := a.deployer(awsCfg, nil, false).Outputs(cmd.Context(), cfg.StackName)
			if err != nil {
				return err
			}
			return writeOutputs(cmd.OutOrStdout(), outputs, format)
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text or json")
	return cmd
}

func writeOutputs(w io.Writer, outputs map[string]string, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		raw, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case "", "text":
		keys := make([]string, 0, len(outputs))
		for k := range outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s=%s\n", k, outputs[k]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

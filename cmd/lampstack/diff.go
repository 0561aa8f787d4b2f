package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/lampstack/internal/deploy"
	"github.com/example/lampstack/internal/templatediff"
)

func newDiffCommand(a *app) *cobra.Command {
	var (
		summaryOnly bool
		exitCode    bool
	)
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare the desired template with the deployed one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.synthesize(ctx, false)
			if err != nil {
				return err
			}
			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			name := s.topo.Config.StackName
			deployed, err := a.deployer(awsCfg, nil, false).DeployedTemplate(ctx, name)
			if errors.Is(err, deploy.ErrStackNotFound) {
				fmt.Fprintf(cmd.ErrOrStderr(), "stack %s is not deployed; every resource is new\n", name)
				deployed = nil
			} else if err != nil {
				return err
			}
			d, err := templatediff.Compare(deployed, s.body)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, d.Summary())
			if !summaryOnly && d.Text != "" {
				fmt.Fprintln(out)
				fmt.Fprint(out, templatediff.Colorize(d.Text, a.opts.ColorEnabled(isTerminalWriter(out))))
			}
			if exitCode && !d.Empty() {
				return errDiffFound
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print only the resource-level summary")
	cmd.Flags().BoolVar(&exitCode, "exit-code", false, "Fail when differences are found")
	return cmd
}

var errDiffFound = errors.New("differences found")

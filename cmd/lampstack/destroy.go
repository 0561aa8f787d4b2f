package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDestroyCommand(a *app) *cobra.Command {
	var (
		yes            bool
		nonInteractive bool
	)
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the deployed stack",
		Long: `Delete the deployed stack and every resource it owns.

The database is deleted together with its automated backups. Interactive
runs must type the stack name to confirm.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, err := newGate(cmd, yes, nonInteractive)
			if err != nil {
				return err
			}
			s, err := a.synthesize(ctx, false)
			if err != nil {
				return err
			}
			name := s.topo.Config.StackName
			errOut := cmd.ErrOrStderr()
			for _, risk := range s.topo.Model.Database.Risks() {
				fmt.Fprintf(errOut, "warning: %s\n", risk)
			}
			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			colorOn := a.opts.ColorEnabled(isTerminalWriter(errOut))
			d := a.deployer(awsCfg, errOut, colorOn)
			exists, err := d.Exists(ctx, name)
			if err != nil {
				return err
			}
			if !exists {
				fmt.Fprintf(errOut, "stack %s does not exist\n", name)
				return nil
			}
			prompt := fmt.Sprintf("Delete stack %s in %s? Type the stack name to confirm:", name, awsCfg.Region)
			if err := g.confirm(ctx, prompt, name); err != nil {
				return err
			}
			return a.record(ctx, name, "destroy", awsCfg.Region, s.digest, func() (map[string]string, error) {
				status, err := d.Destroy(ctx, name)
				if err != nil {
					return nil, err
				}
				fmt.Fprintf(errOut, "stack %s: %s\n", name, status)
				return nil, nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Delete without prompting")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Never prompt; requires --yes")
	return cmd
}

package main

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/spf13/cobra"

	"github.com/example/lampstack/internal/verify"
)

func newVerifyCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the deployed stack against the topology's security and health expectations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			outFormat := verify.OutputFormat(strings.ToLower(strings.TrimSpace(format)))
			if outFormat != verify.OutputTable && outFormat != verify.OutputJSON {
				return fmt.Errorf("unknown output format %q (want table or json)", format)
			}
			s, err := a.synthesize(ctx, false)
			if err != nil {
				return err
			}
			awsCfg, err := a.awsConfig(ctx)
			if err != nil {
				return err
			}
			name := s.topo.Config.StackName
			physical, err := a.deployer(awsCfg, nil, false).PhysicalIDs(ctx, name)
			if err != nil {
				return err
			}
			v := &verify.Verifier{
				Clients: verify.Clients{
					Secrets:        secretsmanager.NewFromConfig(awsCfg),
					Database:       rds.NewFromConfig(awsCfg),
					LoadBalancer:   elasticloadbalancingv2.NewFromConfig(awsCfg),
					SecurityGroups: ec2.NewFromConfig(awsCfg),
				},
				Log: a.log.WithName("verify"),
			}
			var rep *verify.Report
			err = a.record(ctx, name, "verify", awsCfg.Region, s.digest, func() (map[string]string, error) {
				var err error
				rep, err = v.Run(ctx, name, physical, verify.ExpectationsFromModel(s.topo.Model))
				if err != nil {
					return nil, err
				}
				if !rep.Passed {
					return nil, fmt.Errorf("verification failed: %d fail, %d error", rep.Count(verify.StatusFail), rep.Count(verify.StatusError))
				}
				return nil, nil
			})
			if rep != nil {
				if werr := verify.WriteReport(cmd.OutOrStdout(), rep, outFormat); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "output", "o", string(verify.OutputTable), "Report format: table or json")
	return cmd
}

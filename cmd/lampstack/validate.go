package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/lampstack/internal/policy"
)

func newValidateCommand(a *app) *cobra.Command {
	var reportPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check topology invariants and evaluate the guardrail policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.synthesize(cmd.Context(), false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "invariants: ok (%d resources)\n", len(s.template.Resources))
			rep, err := a.evaluatePolicy(cmd.Context(), s)
			if err != nil {
				return err
			}
			if err := policy.WriteSummary(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if err := policy.WriteReport(reportPath, rep); err != nil {
				return err
			}
			return rep.Err()
		},
	}
	cmd.Flags().StringVar(&reportPath, "report", "", "Write the policy report as JSON to this file")
	return cmd
}

func (a *app) evaluatePolicy(ctx context.Context, s *synthesized) (*policy.Report, error) {
	bundle, err := policy.LoadBundle(ctx, a.opts.PolicyRef)
	if err != nil {
		return nil, err
	}
	doc, err := s.template.Document()
	if err != nil {
		return nil, err
	}
	var helpers []string
	for _, svc := range s.topo.Model.Services {
		if svc.Helper {
			helpers = append(helpers, svc.LogicalID)
		}
	}
	rep, err := policy.Evaluate(ctx, bundle, policy.TemplateInput{
		WhenUTC:   time.Now().UTC(),
		StackName: s.topo.Config.StackName,
		Digest:    s.digest.String(),
		Template:  doc,
		Helpers:   helpers,
	})
	if err != nil {
		return nil, err
	}
	rep.Mode = a.opts.PolicyMode
	a.log.V(1).Info("policy evaluated", "policy", rep.PolicyRef, "deny", rep.DenyCount, "warn", rep.WarnCount)
	return rep, nil
}

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/lampstack/internal/deploy"
	"github.com/example/lampstack/internal/stack"
)

func newSynthCommand(a *app) *cobra.Command {
	var (
		format string
		out    string
		pin    bool
	)
	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Build the topology, check its invariants and render the template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.synthesize(cmd.Context(), pin)
			if err != nil {
				return err
			}
			var body []byte
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "json":
				body = s.body
			case "yaml", "yml":
				body, err = s.template.YAML()
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown --format %q (want json or yaml)", format)
			}
			for _, risk := range s.topo.Model.Database.Risks() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", risk)
			}
			if strings.TrimSpace(out) == "" {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(out, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d resources, %s)\n", out, len(s.template.Resources), s.digest)
			if len(s.body) > deploy.MaxInlineTemplateBytes {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: template is %d bytes; deploy will need --template-bucket\n", len(s.body))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or yaml")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the template to a file instead of stdout")
	cmd.Flags().BoolVar(&pin, "pin-images", false, "Resolve public image tags to digests before rendering")
	return cmd
}

func newGraphCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the resource dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.synthesize(cmd.Context(), false)
			if err != nil {
				return err
			}
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "dot":
				return stack.PrintGraphDOT(cmd.OutOrStdout(), s.plan)
			case "mermaid":
				return stack.PrintGraphMermaid(cmd.OutOrStdout(), s.plan)
			default:
				return fmt.Errorf("unknown --format %q (want dot or mermaid)", format)
			}
		},
	}
	cmd.Flags().StringVar(&format, "format", "dot", "Graph format: dot or mermaid")
	return cmd
}

func newPlanCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print resources grouped in the order the engine can create them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.synthesize(cmd.Context(), false)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stack %s: %d resources in %d groups (%s)\n", s.plan.StackName, len(s.plan.Nodes), len(s.plan.Groups), s.digest)
			return stack.PrintGroups(cmd.OutOrStdout(), s.plan)
		},
	}
}

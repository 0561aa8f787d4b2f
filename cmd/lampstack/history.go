package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		limit  int
		all    bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deploy, verify and destroy runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stackName := ""
			if !all {
				cfg, err := a.opts.Topology()
				if err != nil {
					return err
				}
				stackName = cfg.StackName
			}
			store, err := a.openState()
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.ListRuns(cmd.Context(), stackName, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if strings.EqualFold(format, "json") {
				raw, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(raw))
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTACK\tCOMMAND\tSTATUS\tDURATION\tDIGEST\tERROR")
			for _, r := range runs {
				dur := "-"
				if d := r.Duration(); d > 0 {
					dur = d.Round(time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.StartedAt.Local().Format(time.RFC3339), r.Stack, r.Command, r.Status, dur, shortDigest(r.TemplateDigest), oneLine(r.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&all, "all", false, "List runs for every stack")
	cmd.Flags().StringVarP(&format, "output", "o", "table", "Output format: table or json")
	return cmd
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	if len(d) > 12 {
		return d[:12]
	}
	if d == "" {
		return "-"
	}
	return d
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "-"
	}
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

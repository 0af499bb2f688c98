package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/orient-bot/policy-sidecar/internal/engine"
	"github.com/orient-bot/policy-sidecar/internal/policy"
	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/spf13/cobra"
)

func newCheckCmd() *cobra.Command {
	var tools []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the policy file and show how tools would be decided",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			policies, err := policy.LoadFile(cfg.PolicyFile)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tGRANULARITY\tRISK\tENABLED\tPATTERNS")
			for _, p := range policies {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%v\n", p.ID, p.Action, p.Granularity, p.RiskLevel, p.Enabled, p.ToolPatterns)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(tools) == 0 {
				return nil
			}

			eng := engine.New(store.NewMemoryStore(policies...), nil, nil, engine.Config{DefaultAction: cfg.DefaultAction})
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tACTION\tPOLICY\tREASON")
			for _, name := range tools {
				d, err := eng.EvaluateToolCall(context.Background(), policy.ToolCall{Name: name}, policy.PlatformContext{}, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, d.Action, d.PolicyID(), d.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringSliceVarP(&tools, "tool", "t", nil, "tool names to evaluate against the policy set")
	return cmd
}

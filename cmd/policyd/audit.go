package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/store"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	var (
		sessionID string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.ListAudit(context.Background(), store.AuditFilter{SessionID: sessionID, Limit: limit})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tKIND\tTOOL\tPOLICY\tOUTCOME\tREASON\tSESSION\tREQUEST")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Kind, e.ToolName, e.PolicyID, e.Outcome, e.Reason, e.SessionID, e.RequestID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only entries for this session")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of entries")
	return cmd
}

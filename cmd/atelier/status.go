package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:          "status [session_id]",
		Short:        "Show a session, or list recent sessions",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, shutdown, err := startSessions(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				view, err := svc.Status(ctx, args[0])
				if err != nil {
					return err
				}
				data, err := json.MarshalIndent(view, "", "  ")
				if err != nil {
					return fmt.Errorf("encode status: %w", err)
				}
				fmt.Fprintln(out, string(data))
				return nil
			}

			sessions, err := svc.List(ctx, state, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATUS\tSTAGE\tMODE\tUPDATED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Status, s.CurrentStage, s.Mode, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter the list by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

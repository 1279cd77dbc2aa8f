package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	var (
		raw   bool
		width int
	)
	cmd := &cobra.Command{
		Use:          "report <session_id>",
		Short:        "Print the final report of a session",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, shutdown, err := startSessions(ctx)
			if err != nil {
				return err
			}
			defer shutdown()

			res, err := svc.Result(ctx, args[0])
			if err != nil {
				return err
			}
			if res.ReportSanitized {
				fmt.Fprintln(cmd.ErrOrStderr(), "note: parts of this report were removed by the content guard")
			}
			return renderReport(cmd.OutOrStdout(), res.FinalReport.Markdown, raw, width)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal styling")
	cmd.Flags().IntVar(&width, "width", 100, "word wrap width")
	return cmd
}

func renderReport(w io.Writer, markdown string, raw bool, width int) error {
	if raw {
		_, err := fmt.Fprintln(w, markdown)
		return err
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	_, err = fmt.Fprint(w, out)
	return err
}

package main

import (
	"github.com/metalagman/atelier/internal/diag"
	"github.com/spf13/cobra"
)

func verifyDeploymentCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "verify-deployment",
		Short:        "Check configuration, storage, rules and provider credentials",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := diag.VerifyDeployment(cmd.Context(), cfg)
			return report(cmd, "deployment", checks)
		},
	}
}

func diagnoseSearchToolsCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:          "diagnose-search-tools",
		Short:        "Run a live query against every configured search backend",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			checks := diag.DiagnoseSearchTools(cmd.Context(), cfg, query)
			return report(cmd, "search tools", checks)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "咖啡厅 室内设计 照明", "probe query")
	return cmd
}

func quickCheckToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "quick-check-tools",
		Short:        "Report which search backends are configured, without network calls",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return report(cmd, "search tool configuration", diag.QuickCheckTools(cfg))
		},
	}
}

func report(cmd *cobra.Command, title string, checks []diag.Check) error {
	diag.Render(cmd.OutOrStdout(), title, checks)
	if diag.Failed(checks) {
		return diag.ErrChecksFailed
	}
	return nil
}

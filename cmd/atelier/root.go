package main

import (
	"fmt"
	"os"

	"github.com/metalagman/atelier/internal/config"
	"github.com/metalagman/atelier/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
	cfg     config.Config
	rootCmd = &cobra.Command{
		Use:           "atelier",
		Short:         "atelier runs multi-expert interior design consultations",
		SilenceErrors: true,
	}
)

// Execute runs the root command.
func Execute() error {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (yaml or json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		logging.Init(debug, cfg.Log.Format)
		return nil
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(verifyDeploymentCmd())
	rootCmd.AddCommand(diagnoseSearchToolsCmd())
	rootCmd.AddCommand(quickCheckToolsCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(pruneCmd())
	return rootCmd.Execute()
}

func initLogging() {
	logging.Init(debug, "console")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
}

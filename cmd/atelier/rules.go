package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/metalagman/atelier/internal/safety"
	"github.com/spf13/cobra"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage safety rules",
	}
	cmd.AddCommand(rulesValidateCmd())
	return cmd
}

func rulesValidateCmd() *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:          "validate [file]",
		Short:        "Parse a safety rules file and print a summary",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfg.Safety.RulesFile
			if len(args) == 1 {
				path = args[0]
			}
			data := safety.DefaultRulesYAML()
			if !embedded {
				var err error
				data, err = os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read rules: %w", err)
				}
			} else {
				path = "embedded defaults"
			}
			rs, err := safety.ParseRules(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: version %s ok\n", path, rs.Version)
			names := make([]string, 0, len(rs.Keywords))
			for name := range rs.Keywords {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  keywords/%s: %d\n", name, len(rs.Keywords[name].Words))
			}
			fmt.Fprintf(out, "  privacy patterns: %d\n", len(rs.PrivacyPatterns))
			fmt.Fprintf(out, "  evasion patterns: %d\n", len(rs.EvasionPatterns))
			fmt.Fprintf(out, "  whitelist: %d\n", len(rs.Whitelist))
			return nil
		},
	}
	cmd.Flags().BoolVar(&embedded, "embedded", false, "validate the built-in rules instead of a file")
	return cmd
}

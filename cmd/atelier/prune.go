package main

import (
	"fmt"

	"github.com/metalagman/atelier/internal/db"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func pruneCmd() *cobra.Command {
	var (
		keepLast int
		keepDays int
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:          "prune",
		Short:        "Delete finished sessions outside the retention policy",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy := db.RetentionPolicy{KeepLast: keepLast, KeepDays: keepDays}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				policy = db.RetentionPolicy{
					KeepLast: cfg.Storage.Retention.KeepLast,
					KeepDays: cfg.Storage.Retention.KeepDays,
				}
			}
			if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
				return fmt.Errorf("set --keep-last or --keep-days (or storage.retention in the config)")
			}

			conn, err := db.Open(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			res, err := db.NewStore(conn).PruneSessions(cmd.Context(), policy, cfg.Image.OutputDir, dryRun)
			if err != nil {
				return err
			}
			log.Info().
				Int("considered", res.Considered).
				Int("kept", res.Kept).
				Int("deleted", res.Deleted).
				Int("skipped", res.Skipped).
				Bool("dry_run", dryRun).
				Msg("sessions pruned")
			return nil
		},
	}
	cmd.Flags().IntVar(&keepLast, "keep-last", 0, "keep the N most recent sessions")
	cmd.Flags().IntVar(&keepDays, "keep-days", 0, "keep sessions created in the last N days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted")
	return cmd
}

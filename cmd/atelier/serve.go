package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/metalagman/atelier/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Serve the analysis HTTP API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fxApp := fx.New(app.Quiet(), app.Server(cfg, debug))
			if err := fxApp.Err(); err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			if err := fxApp.Start(ctx); err != nil {
				return fmt.Errorf("start app: %w", err)
			}
			log.Info().Str("env", cfg.App.Env).Str("primary_llm", cfg.LLM.Primary).Msg("atelier started")
			<-ctx.Done()

			log.Info().Msg("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return fxApp.Stop(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarkoPoloResearchLab/questnet/internal/app"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "questnetd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &app.Config{}
	cmd := &cobra.Command{
		Use:           "questnetd",
		Short:         "QuestNet rewards ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.PersistentFlags().String(flagEnvFile, "", "optional .env file loaded before reading QUESTNET_* variables")
	registerServerFlags(cmd)
	cmd.AddCommand(newClientCommand())
	return cmd
}

func runServer(ctx context.Context, cfg *app.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

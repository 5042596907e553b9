package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lealta/venue-service/internal/app"
	"lealta/venue-service/internal/config"
	"lealta/venue-service/internal/dispatcher"
	"lealta/venue-service/internal/logger"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "venuectl",
		Short:         "Operate the venue service: migrations, sweeps, business days and campaigns",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env-file", ".env", "optional dotenv file")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newBusinessDayCmd())
	root.AddCommand(newCampaignCmd())
	root.AddCommand(newQRCmd())
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// handoffLocker never grants the campaign lock, so commands only change
// persisted state and the server's recovery tick runs the dispatch loop.
type handoffLocker struct{}

func (handoffLocker) TryLock(context.Context, string) (func(), bool, error) {
	return func() {}, false, nil
}

func openApp(cmd *cobra.Command, migrate bool, opts ...dispatcher.Option) (*app.App, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{
		Level:       "warn",
		ServiceName: "venuectl",
		Development: true,
		OutputPath:  "stderr",
	})
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DB_DSN is required")
	}
	if len(opts) == 0 {
		opts = []dispatcher.Option{dispatcher.WithLocker(handoffLocker{})}
	}
	return app.New(cmd.Context(), cfg, log, app.Options{Migrate: migrate, DispatcherOptions: opts})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

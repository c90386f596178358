package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conduit/internal/config"
	"conduit/internal/logger"
	"conduit/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Typed request/response and pub/sub messaging over Redis Streams",
		Long:  "conduit runs stream consumers and consumer groups, and sends, requests and tails messages on Redis Streams topics",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(tailCmd())
	rootCmd.AddCommand(bridgeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads the config and logger and returns a context cancelled on
// SIGINT or SIGTERM.
func setup(serviceName string) (context.Context, context.CancelFunc, *config.Config, logger.Logger, error) {
	earlyLog := logger.NewEarly()

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, nil, nil, nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Errorf("Failed to load config: %v", err)
		return nil, nil, nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, logger.WithServiceName(serviceName))
	if err != nil {
		earlyLog.Errorf("Failed to init logger: %v", err)
		return nil, nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx = logging.WithServiceName(ctx, serviceName)
	return ctx, cancel, cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the configured topic, alone or as a consumer group",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, log, err := setup("conduit")
			if err != nil {
				return err
			}
			defer cancel()
			defer log.Sync()

			log.InfowCtx(ctx, "Starting conduit")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

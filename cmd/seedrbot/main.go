package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seedr-bot/internal/app"
	"seedr-bot/internal/bot"
	"seedr-bot/internal/config"
	"seedr-bot/internal/logger"
	"seedr-bot/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "seedrbot",
		Short:         "Telegram webhook bot that links Seedr accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Register the webhook and serve updates",
		RunE:  runServe,
	}
	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "migrate",
			Short: "Create database tables",
			RunE:  runMigrate,
		},
		&cobra.Command{
			Use:   "webhook-info",
			Short: "Show the webhook currently registered with Telegram",
			RunE:  runWebhookInfo,
		},
	)
	root.RunE = serve.RunE
	return root
}

// setup loads config and builds the logger shared by all subcommands.
func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return cfg, nil, err
	}
	log, err := logger.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return cfg, nil, err
	}
	return cfg, log, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}

	log.Info("seedr bot starting")
	if err := a.Run(ctx); err != nil {
		log.Error("bot stopped with error", zap.Error(err))
		return err
	}
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := repository.NewDB(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("migrate failed", zap.Error(err))
		return err
	}
	log.Info("database ready")
	return repository.Close(db)
}

func runWebhookInfo(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.RequireToken(); err != nil {
		log.Error("webhook info", zap.Error(err))
		return err
	}
	api, err := bot.NewAPI(cfg.TelegramToken, log)
	if err != nil {
		log.Error("bot api", zap.Error(err))
		return err
	}
	info, err := bot.New(api, nil, nil, log, bot.Options{}).WebhookInfo()
	if err != nil {
		log.Error("webhook info", zap.Error(err))
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "url: %s\npending updates: %d\nlast error: %s\n",
		info.URL, info.PendingUpdateCount, info.LastErrorMessage)
	return nil
}


package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orient-bot/policy-sidecar/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	policyFileFlag string
	dbPathFlag     string
	logLevelFlag   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "policyd",
		Short:         "Policy and approval engine for agent tool calls",
		Long:          "policyd decides whether an agent's tool call may run and asks a human on the agent's messaging platform when a policy requires it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&policyFileFlag, "policies", "p", "", "policy file (overrides POLICY_FILE)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "SQLite database path (overrides DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newAuditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies CLI flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	if policyFileFlag != "" {
		cfg.PolicyFile = policyFileFlag
	}
	if dbPathFlag != "" {
		cfg.DBPath = dbPathFlag
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	setupLogger(cfg.LogLevel)
	return cfg, nil
}

func setupLogger(levelName string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

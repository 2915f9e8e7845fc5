package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sheshant/sigiq/internal/config"
	"github.com/sheshant/sigiq/internal/loadtest"
	"github.com/sheshant/sigiq/internal/logging"
)

func loadtestCmd() *cobra.Command {
	var (
		url         string
		connections int
		rampRate    float64
		messages    int
		resume      bool
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run concurrent clients against a chat server",
		Long: `Ramp up WebSocket clients at a fixed rate, have each send messages,
and check every count and farewell the server returns.

Settings come from LOADTEST_* environment variables; flags override them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadtest.LoadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("url") {
				cfg.URL = url
			}
			if flags.Changed("connections") {
				cfg.Connections = connections
			}
			if flags.Changed("ramp-rate") {
				cfg.RampRate = rampRate
			}
			if flags.Changed("messages") {
				cfg.Messages = messages
			}
			if flags.Changed("resume") {
				cfg.Resume = resume
			}

			logger, err := logging.NewLogger(config.LoggingConfig{Level: "info", Encoding: "console"})
			if err != nil {
				return err
			}
			defer logger.Sync() // nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := loadtest.NewRunner(cfg, logger).Run(ctx)
			report.Log(logger)
			if err != nil {
				return err
			}
			if !report.OK() {
				return errors.New("load test found failures")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d/%d clients completed\n", report.Completed, report.Attempted)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&url, "url", "", "WebSocket URL of the chat endpoint")
	flags.IntVar(&connections, "connections", 0, "Number of clients")
	flags.Float64Var(&rampRate, "ramp-rate", 0, "Clients started per second")
	flags.IntVar(&messages, "messages", 0, "Messages per client")
	flags.BoolVar(&resume, "resume", false, "Reconnect each client once with its session id")

	return cmd
}

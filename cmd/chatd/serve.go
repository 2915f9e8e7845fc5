package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sheshant/sigiq/internal/broadcast"
	"github.com/sheshant/sigiq/internal/config"
	"github.com/sheshant/sigiq/internal/heartbeat"
	"github.com/sheshant/sigiq/internal/logging"
	"github.com/sheshant/sigiq/internal/metrics"
	"github.com/sheshant/sigiq/internal/registry"
	"github.com/sheshant/sigiq/internal/session"
	"github.com/sheshant/sigiq/internal/shutdown"
	"github.com/sheshant/sigiq/internal/transport"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		Long: `Run the chat server until SIGINT or SIGTERM.

Configuration is read from .env, CHAT_* environment variables, an
optional chatd.yaml and the flags below, later sources winning.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := logging.NewLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			defer logger.Sync() // nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to a config file")
	flags.String("host", "", "Listen host")
	flags.Int("port", 0, "Listen port")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("backend", "", "Broadcast backend (memory, nats)")

	return cmd
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	agg := metrics.NewAggregator()
	sessions := registry.New()

	group, closeGroup, err := newGroup(cfg.Broadcast, logger)
	if err != nil {
		return err
	}
	defer closeGroup()

	hb := heartbeat.New(group, cfg.Heartbeat.Interval, logger)
	defer hb.Close()

	srv := transport.NewServer(transport.Options{
		Config:     cfg,
		Logger:     logger,
		Aggregator: agg,
		Metrics:    metrics.NewRegistry(agg),
		Registry:   sessions,
		Heartbeat:  hb,
		Handler: session.NewHandler(session.Options{
			Registry:       sessions,
			Metrics:        agg,
			Group:          group,
			Heartbeat:      hb,
			Logger:         logger,
			EventQueueSize: cfg.WebSocket.EventQueueSize,
		}),
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("transport start failed: %w", err)
	}
	logger.Info("chat server started",
		zap.String("addr", srv.Addr().String()),
		zap.String("path", cfg.WebSocket.Path),
		zap.String("backend", cfg.Broadcast.Backend))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-srv.Errors():
		logger.Error("http server error", zap.Error(serveErr))
	}

	coord := shutdown.NewCoordinator(shutdown.Options{
		Group:       group,
		Metrics:     agg,
		Stopper:     srv,
		GracePeriod: cfg.Shutdown.GracePeriod,
		Reason:      cfg.Shutdown.Reason,
		Logger:      logger,
	})

	// A second signal cuts the grace period short.
	graceCtx, stopGrace := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopGrace()
	if _, err := coord.Shutdown(graceCtx); err != nil {
		logger.Warn("shutdown finished with error", zap.Error(err))
	}
	return serveErr
}

func newGroup(cfg config.BroadcastConfig, logger *zap.Logger) (broadcast.Group, func(), error) {
	if cfg.Backend != config.BackendNATS {
		return broadcast.NewMemoryGroup(), func() {}, nil
	}

	g, err := broadcast.NewNATSGroup(broadcast.NATSConfig{
		URL:           cfg.NATSURL,
		SubjectPrefix: cfg.SubjectPrefix,
		MaxReconnects: cfg.MaxReconnects,
		ReconnectWait: cfg.ReconnectWait,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return g, func() {
		if err := g.Close(); err != nil {
			logger.Warn("nats close", zap.Error(err))
		}
	}, nil
}

// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-core-stack/webhook-relay/pkg/config"
	"github.com/go-core-stack/webhook-relay/pkg/logging"
	"github.com/go-core-stack/webhook-relay/pkg/metrics"
	"github.com/go-core-stack/webhook-relay/pkg/relay"
	"github.com/go-core-stack/webhook-relay/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay listeners",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	registry := metrics.NewRegistry()
	recorder := metrics.NewRecorder(registry)

	handler, err := relay.New(cfg,
		relay.WithRecorder(recorder),
		relay.WithLogger(log.Logger),
	)
	if err != nil {
		return fmt.Errorf("construct relay: %w", err)
	}

	if !cfg.TLSEnabled() {
		log.Warn().Msg("running without TLS")
	}

	srv := server.New(cfg, handler, metrics.Handler(registry))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Uint16("port", cfg.ListenPort).
		Str("upstream", cfg.Upstream.String()).
		Bool("tls", cfg.TLSEnabled()).
		Str("metrics_addr", cfg.MetricsAddr).
		Msg("starting webhook relay")

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	log.Info().Msg("webhook relay stopped")
	return nil
}


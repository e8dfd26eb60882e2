package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/duodb/duodb/internal/config"
	"github.com/duodb/duodb/internal/logging"
	"github.com/duodb/duodb/internal/proxy"
	"github.com/duodb/duodb/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy until interrupted",
	Long: `Loads the configuration, connects both stores and serves until
SIGINT or SIGTERM. The fencing lock (when enabled) is released and the
fallback checkpointed on shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if verboseFlag {
		level = "debug"
	}
	log := logging.New(logging.Config{Level: level, Pretty: cfg.Log.Pretty, Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "duod", Version); err != nil {
		log.Warn().Err(err).Msg("telemetry init failed, continuing without it")
	}

	p := proxy.New(cfg, log)
	if err := p.Initialize(ctx); err != nil {
		return err
	}
	log.Info().Str("state", string(p.GetState())).Str("version", Version).Msg("duod is up")

	// Hot-reload the runtime-safe tunables when a concrete config file was
	// given; the default search path has no single file to watch.
	if configPath != "" {
		if _, werr := config.Watch(configPath, p.ApplyTunables); werr != nil {
			log.Warn().Err(werr).Msg("config watch unavailable")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cerr := p.Close(shutdownCtx)
	telemetry.Shutdown(shutdownCtx)
	return cerr
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/piwi3910/nebulaguard/internal/config"
	"github.com/piwi3910/nebulaguard/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// Parse command line flags. Empty values keep the config file settings.
	configPath := flag.String("config", "", "Path to configuration file")
	dataDir := flag.String("data", "", "Data directory path")
	adminPort := flag.Int("admin-port", 0, "Admin API port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	watchConfig := flag.Bool("watch-config", false, "Apply log level changes from the config file without a restart")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("NebulaGuard %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Msg("Starting NebulaGuard")

	opts := config.Options{
		DataDir:   *dataDir,
		AdminPort: *adminPort,
	}
	if *debug {
		opts.LogLevel = "debug"
	}

	cfg, err := config.Load(*configPath, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("Invalid log level")
	}

	zerolog.SetGlobalLevel(level)

	// Create and start server
	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	if *watchConfig {
		if err := config.Watch(*configPath, srv.Reload); err != nil {
			log.Warn().Err(err).Msg("Config watch disabled")
		}
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server error")
	}

	log.Info().Msg("NebulaGuard shutdown complete")
}

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/courier/internal/broker"
	"github.com/adred-codev/courier/internal/config"
	"github.com/adred-codev/courier/internal/monitoring"
	"github.com/adred-codev/courier/internal/types"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		// No structured logger yet; bootstrap one just to report the failure.
		bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{
			Level:  types.LogLevelInfo,
			Format: types.LogFormatJSON,
		})
		bootstrap.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  types.LogLevel(cfg.LogLevel),
		Format: types.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	server, err := broker.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create broker")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start broker")
	}

	// SIGTERM and SIGINT both trigger graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}

// Package main provides the entry point for the go-sunsynk poller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/metrics"
	"github.com/resident-x/go-sunsynk/internal/pubsub"
	"github.com/resident-x/go-sunsynk/internal/registers"
	"github.com/resident-x/go-sunsynk/internal/service"
	"github.com/resident-x/go-sunsynk/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-sunsynk %s\n", Version)
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-sunsynk")
	cfg.Print()

	poller, err := build(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create poller")
		return 1
	}

	if err := poller.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start poller")
		_ = poller.Stop(context.Background())
		return 1
	}

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := poller.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping poller")
		return 1
	}

	log.Info().Msg("Poller stopped")
	return 0
}

// build wires connectors, sessions, the register catalogue, metrics and the
// publisher into a poller. Connectors are created here and open lazily.
func build(ctx context.Context, cfg *config.Config) (*service.Poller, error) {
	connectors, err := connector.NewManagerFromConfig(cfg.Connectors)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewManagerFromConfig(cfg, connectors)
	if err != nil {
		_ = connectors.CloseAll()
		return nil, err
	}

	catalogue, err := registers.Load(cfg.Registers.Definitions)
	if err != nil {
		_ = connectors.CloseAll()
		return nil, err
	}

	poller, err := service.NewPoller(cfg, connectors, sessions, catalogue, newPublisher(ctx, cfg), metrics.New(connectors))
	if err != nil {
		_ = connectors.CloseAll()
		return nil, err
	}
	return poller, nil
}

// newPublisher connects to MQTT when enabled. A broker that cannot be reached
// falls back to the noop publisher.
func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}
	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/phonelink/phonelink/pkg/gateway"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "~/.phonelink/gateway.toml", "Path to config file")
	port := flag.Int("port", 0, "HTTP port to listen on (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	noDiscovery := flag.Bool("no-discovery", false, "Disable mDNS advertisement")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("PhoneLink Gateway %s\n", Version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	cfg, err := gateway.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Command-line flags and environment override the config file.
	if *port != 0 {
		cfg.Server.HTTPPort = *port
	}
	if *noDiscovery {
		cfg.Discovery.Enabled = false
	}
	if env := os.Getenv("GATEWAY_TOKENS"); env != "" {
		cfg.Auth.Tokens = nil
		for _, t := range strings.Split(env, ",") {
			if t = strings.TrimSpace(t); t != "" {
				cfg.Auth.Tokens = append(cfg.Auth.Tokens, t)
			}
		}
	}

	if len(cfg.Auth.Tokens) == 0 {
		log.Warn().Msg("no auth tokens configured: devices cannot authenticate until [auth] tokens or GATEWAY_TOKENS is set")
	}

	gw := gateway.New(cfg, log)
	gw.SetMetrics(gateway.NewMetrics())

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start gateway")
	}
	log.Info().Str("version", Version).Int("port", cfg.Server.HTTPPort).Msg("gateway started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	if err := gw.Stop(); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
}

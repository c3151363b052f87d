package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/substratefs/substrate/internal/config"
	"github.com/substratefs/substrate/internal/server"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	listenAddr := flag.String("listen", "", "CM listen address (host:port)")
	adminAddr := flag.String("admin", "", "Admin/metrics listen address")
	maxClients := flag.Int("max-clients", 0, "Maximum client sessions")
	maxBuffs := flag.Int("max-buffs", 0, "Maximum buffer sessions")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Substrate %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildDate)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("version", version).Str("commit", commit).Msg("Starting Substrate")

	cfg, err := config.Load(*configPath, config.Options{
		ListenAddr: *listenAddr,
		AdminAddr:  *adminAddr,
		MaxClients: *maxClients,
		MaxBuffs:   *maxBuffs,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && !*debug {
		zerolog.SetGlobalLevel(lvl)
	}

	srv, err := server.New(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

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

	log.Info().Msg("Substrate shutdown complete")
}

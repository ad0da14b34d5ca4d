// Package main implements the bridge daemon: the local secure messaging
// endpoint that lets browser extensions and other external peers exchange
// encrypted vault commands with the desktop application.
//
// SECURITY: the inter-process channel itself offers no confidentiality or
// authentication. Everything sensitive rides inside per-peer encrypted
// envelopes negotiated by the handshake; cryptographic failure detail is
// logged locally and never sent on the wire.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/keyhaven/bridge/bridged/vaultstore"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := pflag.String("config", "/etc/keyhaven/bridge.yaml", "Path to configuration file")
	devMode := pflag.Bool("dev-mode", false, "Run in development mode (TCP listener, auto-confirm fingerprints)")
	devPort := pflag.Uint16("dev-port", 5820, "TCP port for development mode")
	socketPath := pflag.String("socket", "", "Unix socket path (overrides config)")
	natsURL := pflag.String("nats-url", "", "NATS server URL for UI signals (overrides config)")
	storePath := pflag.String("store", "", "Credential store path (overrides config)")
	pflag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", *devMode).
		Msg("Bridge daemon starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Override with command line flags
	if *socketPath != "" {
		cfg.Socket.Path = *socketPath
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *devMode {
		cfg.DevMode = true
	}

	store, err := vaultstore.Open(cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("Failed to open credential store")
	}
	defer store.Close()

	accounts := NewAccountDirectory()
	enrolled := make([]string, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts.Add(a.ID, a.Email, a.Unlocked)
		if a.Active {
			accounts.SetActive(a.ID)
		}
		enrolled = append(enrolled, a.ID)
	}

	signals := NewSignalBus(cfg.NATS)
	defer signals.Close()

	registry := NewRegistry()
	verifier := NewVerifier(registry, newConfirmer(cfg), signals, func() bool {
		return cfg.Features.RequireFingerprint
	})
	handshake := NewHandshake(cfg, registry, verifier)
	biometrics := NewLocalBiometrics(accounts, enrolled)
	dispatcher := NewDispatcher(cfg, accounts, store, biometrics, exitRelauncher{}, signals)

	server := NewServer(cfg, registry, handshake, verifier, dispatcher, accounts)

	unix, err := NewUnixListener(cfg.Socket.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Socket.Path).Msg("Failed to listen on unix socket")
	}
	server.AddListener(unix)
	log.Info().Str("path", cfg.Socket.Path).Msg("Listening on unix socket")

	if cfg.Vsock.Enabled {
		vs, err := NewVsockListener(cfg.Vsock.Port)
		if err != nil {
			log.Fatal().Err(err).Uint32("port", cfg.Vsock.Port).Msg("Failed to listen on vsock")
		}
		server.AddListener(vs)
		log.Info().Uint32("port", cfg.Vsock.Port).Msg("Listening on vsock")
	}

	if cfg.DevMode {
		tcp, err := NewTCPListener(*devPort)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to listen on dev TCP port")
		}
		server.AddListener(tcp)
		log.Info().Uint16("port", *devPort).Msg("Listening on dev TCP port")
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Bridge daemon error")
	}

	log.Info().Msg("Bridge daemon shutdown complete")
}

// relaunchExitCode tells the process supervisor to restart the daemon so
// freshly unlocked key material becomes the one in active memory.
const relaunchExitCode = 64

type exitRelauncher struct{}

func (exitRelauncher) Relaunch(reason string) {
	log.Info().Str("reason", reason).Msg("Relaunching host process")
	os.Exit(relaunchExitCode)
}

// newConfirmer selects the fingerprint confirmation surface: auto-accept in
// dev mode, interactive terminal prompt otherwise.
func newConfirmer(cfg *Config) Confirmer {
	if cfg.DevMode {
		return ConfirmerFunc(func(appName, phrase string) bool {
			log.Info().Str("app", appName).Str("phrase", phrase).Msg("Dev mode: auto-confirming fingerprint")
			return true
		})
	}
	return ConfirmerFunc(func(appName, phrase string) bool {
		fmt.Fprintf(os.Stderr, "Peer %q presents fingerprint:\n\n    %s\n\nConfirm? [y/N] ", appName, phrase)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	})
}

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// UI signals published when the credential set or focus changes. These go
// to local UI surfaces only, never to the remote peer.
const (
	SignalAddedCipher    = "addedCipher"
	SignalEditedCipher   = "editedCipher"
	SignalRefreshCiphers = "refreshCiphers"
	SignalSetFocus       = "setFocus"
)

// SignalBus publishes fire-and-forget UI signals. Publish failures are the
// bus's problem to log; command handling never fails on them.
type SignalBus interface {
	Publish(signal string, payload any)
	Close()
}

// natsBus publishes signals to NATS subjects under a configured prefix
type natsBus struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSBus connects to NATS for UI signal publishing
func NewNATSBus(cfg NATSConfig) (SignalBus, error) {
	opts := []nats.Option{
		nats.Name("keyhaven-bridge"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &natsBus{conn: conn, prefix: cfg.SubjectPrefix}, nil
}

func (b *natsBus) Publish(signal string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("signal", signal).Msg("Failed to encode UI signal")
		return
	}
	subject := b.prefix + "." + signal
	if err := b.conn.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish UI signal")
	}
}

func (b *natsBus) Close() {
	b.conn.Close()
}

// memoryBus is the in-process bus used when no broker is configured and in
// tests.
type memoryBus struct {
	mu      sync.Mutex
	signals []string
}

// NewMemoryBus creates an in-process signal bus
func NewMemoryBus() *memoryBus {
	return &memoryBus{}
}

func (b *memoryBus) Publish(signal string, payload any) {
	b.mu.Lock()
	b.signals = append(b.signals, signal)
	b.mu.Unlock()
	log.Debug().Str("signal", signal).Msg("UI signal")
}

func (b *memoryBus) Close() {}

// Signals returns the signals published so far, in order
func (b *memoryBus) Signals() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.signals))
	copy(out, b.signals)
	return out
}

// NewSignalBus selects the NATS bus when a URL is configured, falling back
// to the in-process bus.
func NewSignalBus(cfg NATSConfig) SignalBus {
	if cfg.URL == "" {
		return NewMemoryBus()
	}
	bus, err := NewNATSBus(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, using in-process signal bus")
		return NewMemoryBus()
	}
	return bus
}

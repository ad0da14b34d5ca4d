package main

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Server accepts peer connections on any number of listeners and runs one
// Session per connection. Peer IDs for the versioned dialect are
// connection-scoped; legacy peers re-key themselves by appId.
type Server struct {
	cfg        *Config
	registry   *Registry
	handshake  *Handshake
	verifier   *Verifier
	dispatcher *Dispatcher
	accounts   *AccountDirectory
	listeners  []Listener
}

// NewServer creates a server over the shared daemon state
func NewServer(cfg *Config, registry *Registry, handshake *Handshake, verifier *Verifier, dispatcher *Dispatcher, accounts *AccountDirectory) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		handshake:  handshake,
		verifier:   verifier,
		dispatcher: dispatcher,
		accounts:   accounts,
	}
}

// AddListener registers a transport listener before Run
func (s *Server) AddListener(l Listener) {
	s.listeners = append(s.listeners, l)
}

// Run accepts connections until the context is cancelled
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, l)
		}(l)
	}

	<-ctx.Done()
	for _, l := range s.listeners {
		l.Close()
	}
	wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, l Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("Accept failed")
			return
		}

		peerID := uuid.NewString()
		log.Info().Str("peer", peerID).Msg("Peer connected")
		session := NewSession(peerID, conn, s.cfg, s.registry, s.handshake, s.verifier, s.dispatcher, s.accounts)
		go session.Run()
	}
}

package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyhaven/bridge/wire"
)

// Session handles all traffic for one peer connection. Every inbound
// message for the peer is processed on the session's single worker
// goroutine, so per-peer state changes never race; different peers run
// fully concurrently.
type Session struct {
	peerID     string
	conn       Conn
	cfg        *Config
	registry   *Registry
	handshake  *Handshake
	verifier   *Verifier
	dispatcher *Dispatcher
	accounts   *AccountDirectory
	now        func() time.Time

	mailbox chan []byte
}

// sessionMailboxSize bounds how far a peer may run ahead of its worker.
const sessionMailboxSize = 64

// NewSession creates a session for one accepted connection
func NewSession(peerID string, conn Conn, cfg *Config, registry *Registry, handshake *Handshake, verifier *Verifier, dispatcher *Dispatcher, accounts *AccountDirectory) *Session {
	return &Session{
		peerID:     peerID,
		conn:       conn,
		cfg:        cfg,
		registry:   registry,
		handshake:  handshake,
		verifier:   verifier,
		dispatcher: dispatcher,
		accounts:   accounts,
		now:        time.Now,
		mailbox:    make(chan []byte, sessionMailboxSize),
	}
}

// Run reads frames into the mailbox and processes them on a worker
// goroutine until the connection closes.
func (s *Session) Run() {
	go s.worker()
	defer close(s.mailbox)
	defer s.conn.Close()

	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			log.Debug().Err(err).Str("peer", s.peerID).Msg("Peer connection closed")
			return
		}
		s.mailbox <- data
	}
}

func (s *Session) worker() {
	for data := range s.mailbox {
		s.handle(data)
	}
}

// handle runs the protocol version gate and routes to the dialect handler.
// The gate runs before any cryptographic work.
func (s *Session) handle(data []byte) {
	inbound, err := wire.Gate(data)
	if errors.Is(err, wire.ErrVersionMismatch) {
		log.Warn().
			Str("peer", s.peerID).
			Int("version", inbound.Versioned.Version).
			Msg("Rejecting message with unsupported protocol version")
		s.send(wire.ErrorResponse(inbound.Versioned.MessageID, wire.ErrorVersionMismatch))
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("peer", s.peerID).Msg("Dropping malformed message")
		return
	}

	if inbound.Versioned != nil {
		s.handleVersioned(inbound.Versioned)
		return
	}
	s.handleLegacy(inbound.Legacy)
}

func (s *Session) handleVersioned(msg *wire.Message) {
	if msg.Command == wire.CmdHandshake {
		s.send(s.handshake.Establish(s.peerID, msg, s.notifyVersioned))
		return
	}
	if msg.EncryptedCommand == "" {
		log.Warn().Str("peer", s.peerID).Str("command", msg.Command).Msg("Dropping unexpected cleartext command")
		return
	}

	app, ok := s.registry.Get(s.peerID)
	if !ok || app.Key == nil {
		s.sendInvalidate(msg.MessageID)
		return
	}

	plaintext, err := app.Key.Decrypt(msg.EncryptedCommand)
	if err != nil {
		// The session key stays installed: the peer must re-handshake,
		// not retry blindly.
		log.Warn().Err(err).Str("peer", s.peerID).Msg("Failed to decrypt command")
		s.sendInvalidate(msg.MessageID)
		return
	}

	cmd, err := wire.DecodeCommand(plaintext)
	if err != nil {
		log.Warn().Err(err).Str("peer", s.peerID).Msg("Dropping undecodable command")
		return
	}
	if !cmd.Fresh(s.now()) {
		// No response for stale commands: replying would confirm
		// liveness to a replaying sender.
		log.Warn().
			Str("peer", s.peerID).
			Str("command", string(cmd.Name)).
			Int64("timestamp", cmd.Timestamp).
			Msg("Dropping stale command")
		return
	}

	if isBiometricCommand(cmd.Name) {
		trusted, err := s.verifier.Ensure(s.peerID, s.notifyVersioned)
		if err != nil {
			log.Error().Err(err).Str("peer", s.peerID).Msg("Fingerprint verification failed")
		}
		if err != nil || !trusted {
			s.sendEncrypted(msg.MessageID, errorPayload{Error: wire.ErrorCanceled}, app.Key)
			return
		}
	}

	payload := s.dispatcher.Execute(s.peerID, cmd)
	s.sendEncrypted(msg.MessageID, payload, app.Key)
}

// isBiometricCommand reports whether a command releases or inspects
// biometric key material and therefore needs a fingerprint pass beyond the
// handshake trust.
func isBiometricCommand(name wire.CommandName) bool {
	switch name {
	case wire.CmdAuthenticateWithBiometrics,
		wire.CmdUnlockWithBiometricsForUser,
		wire.CmdGetBiometricsStatus,
		wire.CmdGetBiometricsStatusForUser:
		return true
	}
	return false
}

// sendEncrypted seals a response payload with the peer's session key
func (s *Session) sendEncrypted(messageID string, payload any, key *wire.SessionKey) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("peer", s.peerID).Msg("Failed to encode response payload")
		return
	}
	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		log.Error().Err(err).Str("peer", s.peerID).Msg("Failed to encrypt response payload")
		return
	}
	s.send(&wire.Response{
		MessageID:        messageID,
		Version:          wire.ProtocolVersion,
		EncryptedPayload: sealed,
	})
}

// sendInvalidate signals the peer to discard its session and re-handshake
func (s *Session) sendInvalidate(messageID string) {
	s.send(&wire.Message{
		MessageID: messageID,
		Version:   wire.ProtocolVersion,
		Command:   wire.LegacyInvalidateEncryption,
	})
}

// notifyVersioned delivers trust verification progress in the versioned
// dialect.
func (s *Session) notifyVersioned(event string) {
	s.send(&wire.Message{
		Version: wire.ProtocolVersion,
		Command: event,
	})
}

func (s *Session) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("peer", s.peerID).Msg("Failed to encode outbound message")
		return
	}
	if err := s.conn.WriteFrame(data); err != nil {
		log.Warn().Err(err).Str("peer", s.peerID).Msg("Failed to write to peer")
	}
}

package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/keyhaven/bridge/wire"
)

// Handshake negotiates session secrets with peers. A new handshake always
// generates a fresh secret, invalidating any prior one for the same peer.
type Handshake struct {
	cfg      *Config
	registry *Registry
	verifier *Verifier
}

// NewHandshake creates a handshake engine
func NewHandshake(cfg *Config, registry *Registry, verifier *Verifier) *Handshake {
	return &Handshake{cfg: cfg, registry: registry, verifier: verifier}
}

// Establish handles a cleartext handshake message and returns the response
// to send. notify receives fingerprint verification progress events and may
// be nil. Cryptographic failure detail stays in the logs; the peer only
// ever sees the fixed error strings.
func (h *Handshake) Establish(peerID string, msg *wire.Message, notify func(event string)) *wire.Response {
	if !h.cfg.Features.BrowserIntegration {
		return wire.ErrorResponse(msg.MessageID, wire.ErrorCanceled)
	}

	var payload wire.HandshakePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("Malformed handshake payload")
		return wire.ErrorResponse(msg.MessageID, wire.ErrorCannotDecrypt)
	}

	pub, der, err := parsePublicKey(payload.PublicKey)
	if err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("Failed to parse peer public key")
		return wire.ErrorResponse(msg.MessageID, wire.ErrorCannotDecrypt)
	}

	h.installPeer(peerID, payload.ApplicationName, der)

	if h.cfg.Features.RequireFingerprint {
		trusted, err := h.verifier.Ensure(peerID, notify)
		if err != nil {
			log.Error().Err(err).Str("peer", peerID).Msg("Fingerprint verification failed")
			return wire.ErrorResponse(msg.MessageID, wire.ErrorCanceled)
		}
		if !trusted {
			return wire.ErrorResponse(msg.MessageID, wire.ErrorCanceled)
		}
	}

	sharedKey, err := h.negotiate(peerID, pub)
	if err != nil {
		log.Error().Err(err).Str("peer", peerID).Msg("Handshake negotiation failed")
		return wire.ErrorResponse(msg.MessageID, wire.ErrorCannotDecrypt)
	}

	log.Info().
		Str("peer", peerID).
		Str("app", payload.ApplicationName).
		Msg("Handshake complete")

	return &wire.Response{
		MessageID: msg.MessageID,
		Version:   wire.ProtocolVersion,
		Payload: &wire.ResponsePayload{
			Status:    wire.StatusSuccess,
			SharedKey: sharedKey,
		},
	}
}

// installPeer records the peer, resetting trust when its public key changed.
// Trust binds to the (peerId, publicKey) pair, not to the peer alone.
func (h *Handshake) installPeer(peerID, appName string, der []byte) {
	existing, ok := h.registry.Get(peerID)
	trusted := ok && existing.Trusted && bytes.Equal(existing.PublicKeyDER, der)
	h.registry.Set(peerID, ConnectedApp{
		AppName:      appName,
		PublicKeyDER: der,
		Trusted:      trusted,
	})
}

// negotiate generates a fresh session secret, installs it for the peer, and
// returns the secret RSA-encrypted to the peer's public key.
func (h *Handshake) negotiate(peerID string, pub *rsa.PublicKey) (string, error) {
	secret, err := wire.GenerateSessionSecret()
	if err != nil {
		return "", err
	}
	key, err := wire.NewSessionKey(secret)
	if err != nil {
		return "", err
	}

	encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt session secret: %w", err)
	}

	app, ok := h.registry.Get(peerID)
	if !ok {
		return "", fmt.Errorf("peer %s vanished during handshake", peerID)
	}
	app.Key = &key
	h.registry.Set(peerID, app)

	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// parsePublicKey decodes a base64 DER (PKIX) RSA public key
func parsePublicKey(b64 string) (*rsa.PublicKey, []byte, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("public key is not RSA")
	}
	return pub, der, nil
}

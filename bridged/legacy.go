package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/keyhaven/bridge/wire"
)

// Legacy dialect handling. Legacy peers identify themselves with an appId
// carried in every envelope; that appId keys their registry entry. The
// handshake equivalent is the cleartext setupEncryption control command,
// everything else rides inside encrypted envelope strings with zero-padded
// final blocks.

// Responses to a legacy biometricUnlock command.
const (
	legacyUnlockGranted    = "unlocked"
	legacyUnlockCanceled   = "canceled"
	legacyUnlockNotEnabled = "not enabled"
)

// legacyUnlockReply is the encrypted reply to a biometricUnlock command
type legacyUnlockReply struct {
	Command   string `json:"command"`
	MessageID int64  `json:"messageId"`
	UserID    string `json:"userId,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Response  string `json:"response"`
}

func (s *Session) handleLegacy(env *wire.LegacyEnvelope) {
	if env.AppID == "" {
		log.Warn().Str("peer", s.peerID).Msg("Dropping legacy envelope without appId")
		return
	}

	if ciphertext, ok := env.Ciphertext(); ok {
		s.handleLegacyCiphertext(env.AppID, ciphertext)
		return
	}

	msg, err := env.Control()
	if err != nil {
		log.Warn().Err(err).Str("app", env.AppID).Msg("Dropping malformed legacy control message")
		return
	}

	switch msg.Command {
	case wire.LegacySetupEncryption:
		s.legacySetup(env.AppID, msg)
	case wire.LegacyVerifyFingerprint, wire.LegacyVerifyDesktopFingerprint:
		s.legacyVerify(env.AppID)
	default:
		log.Warn().Str("app", env.AppID).Str("command", msg.Command).Msg("Dropping unknown legacy control command")
	}
}

// legacySetup is the legacy handshake: validate the declared user, install
// the peer, and return a fresh session secret encrypted to its public key.
// The success reply carries messageId -1 to mark a current-generation host.
func (s *Session) legacySetup(appID string, msg *wire.LegacyMessage) {
	if !s.cfg.Features.BrowserIntegration {
		log.Info().Str("app", appID).Msg("Ignoring legacy setup while browser integration is disabled")
		return
	}

	if !s.accounts.SignedIn(msg.UserID) {
		log.Info().Str("app", appID).Str("user", msg.UserID).Msg("Legacy setup for unknown user")
		s.sendLegacyControl(appID, &wire.LegacyControl{
			Command: wire.LegacyWrongUserID,
			AppID:   appID,
		})
		return
	}

	pub, der, err := parsePublicKey(msg.PublicKey)
	if err != nil {
		log.Warn().Err(err).Str("app", appID).Msg("Failed to parse legacy peer public key")
		s.sendLegacyInvalidate(appID)
		return
	}

	s.handshake.installPeer(appID, appID, der)
	app, _ := s.registry.Get(appID)
	app.Legacy = true
	s.registry.Set(appID, app)

	if s.cfg.Features.RequireFingerprint {
		notify := func(event string) {
			s.sendLegacyControl(appID, &wire.LegacyControl{Command: event, AppID: appID})
		}
		trusted, err := s.verifier.Ensure(appID, notify)
		if err != nil {
			log.Error().Err(err).Str("app", appID).Msg("Legacy fingerprint verification failed")
			s.sendLegacyInvalidate(appID)
			return
		}
		if !trusted {
			// No secret for an unconfirmed peer; the rejection event has
			// already gone out.
			log.Info().Str("app", appID).Msg("Refusing legacy setup for unconfirmed peer")
			return
		}
	}

	secret, err := wire.GenerateSessionSecret()
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Failed to generate legacy session secret")
		s.sendLegacyInvalidate(appID)
		return
	}
	key, err := wire.NewSessionKey(secret)
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Failed to derive legacy session key")
		s.sendLegacyInvalidate(appID)
		return
	}
	encrypted, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, secret, nil)
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Failed to encrypt legacy session secret")
		s.sendLegacyInvalidate(appID)
		return
	}

	app, _ = s.registry.Get(appID)
	app.Key = &key
	s.registry.Set(appID, app)

	log.Info().Str("app", appID).Str("user", msg.UserID).Msg("Legacy session established")
	s.sendLegacyControl(appID, &wire.LegacyControl{
		Command:      wire.LegacySetupEncryption,
		AppID:        appID,
		MessageID:    wire.LegacyNewHostMarker,
		SharedSecret: base64.StdEncoding.EncodeToString(encrypted),
	})
}

// legacyVerify runs fingerprint verification at the peer's request
func (s *Session) legacyVerify(appID string) {
	if !s.registry.Has(appID) {
		log.Warn().Str("app", appID).Msg("Verification requested by unknown legacy peer")
		return
	}

	answered := false
	notify := func(event string) {
		if event == VerifyAccepted || event == VerifyRejected {
			answered = true
		}
		s.sendLegacyControl(appID, &wire.LegacyControl{Command: event, AppID: appID})
	}
	trusted, err := s.verifier.Ensure(appID, notify)
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Legacy fingerprint verification failed")
		return
	}
	// Ensure short-circuits without events when the policy is inactive or
	// the peer is already trusted, but the peer still expects an answer.
	if trusted && !answered {
		notify(VerifyAccepted)
	}
}

func (s *Session) handleLegacyCiphertext(appID, ciphertext string) {
	app, ok := s.registry.Get(appID)
	if !ok || app.Key == nil {
		s.sendLegacyInvalidate(appID)
		return
	}

	// Some legacy peers zero-pad the final block instead of applying
	// standard padding; fall back to the compat mode when unpadding fails.
	plaintext, err := app.Key.Decrypt(ciphertext)
	if errors.Is(err, wire.ErrPadding) {
		plaintext, err = app.Key.DecryptZeroPadded(ciphertext)
	}
	if err != nil {
		log.Warn().Err(err).Str("app", appID).Msg("Failed to decrypt legacy envelope")
		s.sendLegacyInvalidate(appID)
		return
	}

	var msg wire.LegacyMessage
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		log.Warn().Err(err).Str("app", appID).Msg("Dropping undecodable legacy command")
		return
	}
	if stale(msg.Timestamp, s.now()) {
		log.Warn().
			Str("app", appID).
			Str("command", msg.Command).
			Int64("timestamp", msg.Timestamp).
			Msg("Dropping stale legacy command")
		return
	}

	switch msg.Command {
	case wire.LegacyBiometricUnlock:
		s.legacyBiometricUnlock(appID, &msg, app.Key)
	default:
		log.Warn().Str("app", appID).Str("command", msg.Command).Msg("Dropping unknown legacy command")
	}
}

func (s *Session) legacyBiometricUnlock(appID string, msg *wire.LegacyMessage, key *wire.SessionKey) {
	reply := legacyUnlockReply{
		Command:   wire.LegacyBiometricUnlock,
		MessageID: msg.MessageID,
		UserID:    msg.UserID,
		Timestamp: s.now().UnixMilli(),
	}

	switch {
	case !s.cfg.Features.BiometricUnlock:
		reply.Response = legacyUnlockNotEnabled
	default:
		notify := func(event string) {
			s.sendLegacyControl(appID, &wire.LegacyControl{Command: event, AppID: appID})
		}
		trusted, err := s.verifier.Ensure(appID, notify)
		if err != nil || !trusted {
			reply.Response = legacyUnlockCanceled
			break
		}
		if err := s.dispatcher.biometrics.Unlock(msg.UserID); err != nil {
			log.Warn().Err(err).Str("user", msg.UserID).Msg("Legacy biometric unlock failed")
			reply.Response = legacyUnlockCanceled
			break
		}
		reply.Response = legacyUnlockGranted
	}

	plaintext, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Failed to encode legacy reply")
		return
	}
	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		log.Error().Err(err).Str("app", appID).Msg("Failed to encrypt legacy reply")
		return
	}
	s.send(&wire.LegacyReply{
		AppID:     appID,
		MessageID: msg.MessageID,
		Message:   sealed,
	})
}

// sendLegacyInvalidate tells a legacy peer to discard its session secret
// and run setupEncryption again.
func (s *Session) sendLegacyInvalidate(appID string) {
	s.sendLegacyControl(appID, &wire.LegacyControl{
		Command: wire.LegacyInvalidateEncryption,
		AppID:   appID,
	})
}

func (s *Session) sendLegacyControl(appID string, ctl *wire.LegacyControl) {
	s.send(ctl)
	log.Debug().Str("app", appID).Str("command", ctl.Command).Msg("Sent legacy control")
}

// stale reports whether a legacy timestamp falls outside the validity
// window. Zero timestamps come from peers that never stamp and pass.
func stale(timestamp int64, now time.Time) bool {
	if timestamp == 0 {
		return false
	}
	delta := now.UnixMilli() - timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta > wire.CommandValidWindow.Milliseconds()
}

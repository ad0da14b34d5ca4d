package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

// Verification progress events sent to the peer while a human decides.
const (
	VerifyStarted  = "verifyDesktopIPCFingerprint"
	VerifyAccepted = "verifiedDesktopIPCFingerprint"
	VerifyRejected = "rejectedDesktopIPCFingerprint"
)

// Confirmer is the user-facing confirmation surface. Only the boolean
// outcome matters; rendering is out of scope.
type Confirmer interface {
	Confirm(appName, phrase string) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface
type ConfirmerFunc func(appName, phrase string) bool

func (f ConfirmerFunc) Confirm(appName, phrase string) bool {
	return f(appName, phrase)
}

// Verifier drives human-confirmed fingerprint verification before a peer
// may perform sensitive operations.
type Verifier struct {
	registry  *Registry
	confirmer Confirmer
	signals   SignalBus
	required  func() bool
}

// NewVerifier creates a verifier. required reports the live value of the
// fingerprint-confirmation policy toggle.
func NewVerifier(registry *Registry, confirmer Confirmer, signals SignalBus, required func() bool) *Verifier {
	return &Verifier{
		registry:  registry,
		confirmer: confirmer,
		signals:   signals,
		required:  required,
	}
}

// Ensure runs the verification state machine for a peer and reports whether
// the peer ended up trusted. With the policy inactive the peer is treated as
// trusted without flipping its flag. notify receives the progress events and
// may be nil.
func (v *Verifier) Ensure(peerID string, notify func(event string)) (bool, error) {
	if !v.required() {
		return true, nil
	}

	app, ok := v.registry.Get(peerID)
	if !ok {
		return false, fmt.Errorf("unknown peer %s", peerID)
	}
	if app.Trusted {
		return true, nil
	}

	phrase := FingerprintPhrase(peerID, app.PublicKeyDER)

	if notify != nil {
		notify(VerifyStarted)
	}
	// Bring the confirmation dialog to the foreground before blocking on it.
	v.signals.Publish(SignalSetFocus, nil)
	log.Info().
		Str("peer", peerID).
		Str("app", app.AppName).
		Msg("Awaiting fingerprint confirmation")

	if !v.confirmer.Confirm(app.AppName, phrase) {
		if notify != nil {
			notify(VerifyRejected)
		}
		log.Info().Str("peer", peerID).Msg("Fingerprint rejected by user")
		return false, nil
	}

	v.registry.SetTrusted(peerID, true)
	if notify != nil {
		notify(VerifyAccepted)
	}
	log.Info().Str("peer", peerID).Msg("Fingerprint confirmed, peer trusted")
	return true, nil
}

// fingerprintWords is the wordlist for fingerprint phrases. 64 entries so
// every 6 bits of derived key material map to one word.
var fingerprintWords = []string{
	"acorn", "anchor", "apple", "arrow", "badge", "basket", "beacon", "bell",
	"birch", "bishop", "breeze", "bridge", "button", "cabin", "candle", "canyon",
	"carbon", "cedar", "circle", "cloud", "clover", "comet", "copper", "coral",
	"crystal", "dagger", "delta", "ember", "falcon", "feather", "fiddle", "flint",
	"garnet", "glacier", "hammer", "harbor", "hazel", "indigo", "island", "ivory",
	"jasper", "kestrel", "lantern", "magnet", "maple", "marble", "meadow", "mirror",
	"nickel", "oasis", "orchid", "pebble", "pillar", "quartz", "raven", "ridge",
	"saddle", "sierra", "timber", "tulip", "velvet", "walnut", "willow", "zephyr",
}

// fingerprintPhraseLen is the number of words in a fingerprint phrase.
const fingerprintPhraseLen = 5

// FingerprintPhrase derives the human-readable fingerprint for a
// (peerId, publicKey) pair. Deterministic: the same pair always yields the
// same phrase, any change to either input changes it.
func FingerprintPhrase(peerID string, publicKeyDER []byte) string {
	digest := sha256.Sum256(publicKeyDER)
	r := hkdf.New(sha256.New, digest[:], []byte(peerID), []byte("fingerprint-phrase"))

	buf := make([]byte, fingerprintPhraseLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		// HKDF expansion of a fixed-size request cannot fail.
		panic(err)
	}

	words := make([]string, fingerprintPhraseLen)
	for i, b := range buf {
		words[i] = fingerprintWords[int(b)&0x3f]
	}
	return strings.Join(words, "-")
}

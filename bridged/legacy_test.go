package main

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/keyhaven/bridge/wire"
)

func legacySetupFrame(t *testing.T, appID, userID, pubB64 string) []byte {
	t.Helper()
	inner, err := json.Marshal(wire.LegacyMessage{
		Command:   wire.LegacySetupEncryption,
		UserID:    userID,
		PublicKey: pubB64,
	})
	if err != nil {
		t.Fatalf("Failed to marshal setup message: %v", err)
	}
	frame, err := json.Marshal(map[string]any{
		"appId":   appID,
		"message": json.RawMessage(inner),
	})
	if err != nil {
		t.Fatalf("Failed to marshal envelope: %v", err)
	}
	return frame
}

// runLegacySetup performs setupEncryption and returns the session key as
// the legacy peer would hold it.
func (f *fixture) runLegacySetup(t *testing.T, appID string, priv *rsa.PrivateKey, pubB64 string) wire.SessionKey {
	t.Helper()

	f.conn.Reset()
	f.session.handle(legacySetupFrame(t, appID, "user-1", pubB64))

	var ctl wire.LegacyControl
	f.conn.lastFrame(t, &ctl)
	if ctl.Command != wire.LegacySetupEncryption || ctl.SharedSecret == "" {
		t.Fatalf("Legacy setup failed: %+v", ctl)
	}
	key := decryptSharedKey(t, priv, ctl.SharedSecret)
	f.conn.Reset()
	return key
}

func TestLegacy_SetupEncryption(t *testing.T) {
	f := newFixture(t)
	f.accounts.Add("user-1", "alice@example.com", true)
	priv, pubB64 := newPeerKey(t)

	f.session.handle(legacySetupFrame(t, "ext-1", "user-1", pubB64))

	var ctl wire.LegacyControl
	f.conn.lastFrame(t, &ctl)
	if ctl.Command != wire.LegacySetupEncryption {
		t.Fatalf("Expected setupEncryption reply, got %+v", ctl)
	}
	if ctl.AppID != "ext-1" {
		t.Errorf("Expected appId echoed, got %q", ctl.AppID)
	}
	if ctl.MessageID != wire.LegacyNewHostMarker {
		t.Errorf("Expected new-host marker %d, got %d", wire.LegacyNewHostMarker, ctl.MessageID)
	}

	decryptSharedKey(t, priv, ctl.SharedSecret)

	app, ok := f.registry.Get("ext-1")
	if !ok || app.Key == nil || !app.Legacy {
		t.Errorf("Expected legacy registry entry with key, got %+v", app)
	}
}

func TestLegacy_SetupWrongUser(t *testing.T) {
	f := newFixture(t)
	f.accounts.Add("user-1", "alice@example.com", true)
	_, pubB64 := newPeerKey(t)

	f.session.handle(legacySetupFrame(t, "ext-1", "stranger", pubB64))

	var ctl wire.LegacyControl
	f.conn.lastFrame(t, &ctl)
	if ctl.Command != wire.LegacyWrongUserID {
		t.Errorf("Expected wrongUserId, got %+v", ctl)
	}
	if app, _ := f.registry.Get("ext-1"); app.Key != nil {
		t.Error("No secret may be installed for a wrong user")
	}
}

func TestLegacy_CiphertextWithoutSessionInvalidates(t *testing.T) {
	f := newFixture(t)

	frame, _ := json.Marshal(map[string]any{
		"appId":   "ext-1",
		"message": "2.xx|yy|zz",
	})
	f.session.handle(frame)

	var ctl wire.LegacyControl
	f.conn.lastFrame(t, &ctl)
	if ctl.Command != wire.LegacyInvalidateEncryption {
		t.Errorf("Expected invalidateEncryption, got %+v", ctl)
	}
}

func TestLegacy_BiometricUnlock(t *testing.T) {
	f := newFixture(t)
	f.accounts.Add("user-1", "alice@example.com", false)
	priv, pubB64 := newPeerKey(t)
	key := f.runLegacySetup(t, "ext-1", priv, pubB64)

	inner, _ := json.Marshal(wire.LegacyMessage{
		Command:   wire.LegacyBiometricUnlock,
		MessageID: 7,
		UserID:    "user-1",
		Timestamp: time.Now().UnixMilli(),
	})
	sealed, err := key.Encrypt(inner)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	frame, _ := json.Marshal(map[string]any{
		"appId":   "ext-1",
		"message": sealed,
	})
	f.session.handle(frame)

	var reply wire.LegacyReply
	f.conn.lastFrame(t, &reply)
	if reply.AppID != "ext-1" || reply.MessageID != 7 {
		t.Fatalf("Unexpected reply header: %+v", reply)
	}
	opened, err := key.Decrypt(reply.Message)
	if err != nil {
		t.Fatalf("Failed to decrypt reply: %v", err)
	}
	var unlock legacyUnlockReply
	if err := json.Unmarshal(opened, &unlock); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if unlock.Response != legacyUnlockGranted {
		t.Errorf("Expected %q, got %+v", legacyUnlockGranted, unlock)
	}

	if a, _ := f.accounts.Get("user-1"); !a.Unlocked {
		t.Error("Expected account unlocked")
	}
}

func TestLegacy_BiometricUnlockDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.BiometricUnlock = false
	f.accounts.Add("user-1", "alice@example.com", false)
	priv, pubB64 := newPeerKey(t)
	key := f.runLegacySetup(t, "ext-1", priv, pubB64)

	inner, _ := json.Marshal(wire.LegacyMessage{
		Command:   wire.LegacyBiometricUnlock,
		MessageID: 8,
		UserID:    "user-1",
		Timestamp: time.Now().UnixMilli(),
	})
	sealed, _ := key.Encrypt(inner)
	frame, _ := json.Marshal(map[string]any{"appId": "ext-1", "message": sealed})
	f.session.handle(frame)

	var reply wire.LegacyReply
	f.conn.lastFrame(t, &reply)
	opened, err := key.Decrypt(reply.Message)
	if err != nil {
		t.Fatalf("Failed to decrypt reply: %v", err)
	}
	var unlock legacyUnlockReply
	if err := json.Unmarshal(opened, &unlock); err != nil {
		t.Fatalf("Failed to decode reply: %v", err)
	}
	if unlock.Response != legacyUnlockNotEnabled {
		t.Errorf("Expected %q, got %+v", legacyUnlockNotEnabled, unlock)
	}
	if a, _ := f.accounts.Get("user-1"); a.Unlocked {
		t.Error("Account must stay locked while the feature is disabled")
	}
}

func TestLegacy_StaleCommandDropped(t *testing.T) {
	f := newFixture(t)
	f.accounts.Add("user-1", "alice@example.com", false)
	priv, pubB64 := newPeerKey(t)
	key := f.runLegacySetup(t, "ext-1", priv, pubB64)

	inner, _ := json.Marshal(wire.LegacyMessage{
		Command:   wire.LegacyBiometricUnlock,
		MessageID: 9,
		UserID:    "user-1",
		Timestamp: time.Now().Add(-time.Minute).UnixMilli(),
	})
	sealed, _ := key.Encrypt(inner)
	frame, _ := json.Marshal(map[string]any{"appId": "ext-1", "message": sealed})
	f.session.handle(frame)

	if frames := f.conn.Frames(); len(frames) != 0 {
		t.Errorf("Stale legacy command must produce no response, got %d frames", len(frames))
	}
	if a, _ := f.accounts.Get("user-1"); a.Unlocked {
		t.Error("Stale command must have no side effect")
	}
}

func TestLegacy_VerifyFingerprint(t *testing.T) {
	f := newFixture(t)
	f.accounts.Add("user-1", "alice@example.com", true)
	priv, pubB64 := newPeerKey(t)
	_ = f.runLegacySetup(t, "ext-1", priv, pubB64)
	f.cfg.Features.RequireFingerprint = true

	inner, _ := json.Marshal(wire.LegacyMessage{Command: wire.LegacyVerifyDesktopFingerprint})
	frame, _ := json.Marshal(map[string]any{"appId": "ext-1", "message": json.RawMessage(inner)})
	f.session.handle(frame)

	want := fmt.Sprintf("%v", []string{VerifyStarted, VerifyAccepted})
	if got := fmt.Sprintf("%v", legacyControlCommands(t, f)); got != want {
		t.Errorf("Expected control sequence %s, got %s", want, got)
	}

	if app, _ := f.registry.Get("ext-1"); !app.Trusted {
		t.Error("Expected peer trusted after confirmation")
	}

	// A repeat request skips the dialog but still gets an answer.
	f.conn.Reset()
	f.session.handle(frame)
	want = fmt.Sprintf("%v", []string{VerifyAccepted})
	if got := fmt.Sprintf("%v", legacyControlCommands(t, f)); got != want {
		t.Errorf("Expected control sequence %s, got %s", want, got)
	}
}

// legacyControlCommands decodes the outbound frames as legacy control
// messages and returns their command names in order.
func legacyControlCommands(t *testing.T, f *fixture) []string {
	t.Helper()
	var commands []string
	for _, data := range f.conn.Frames() {
		var ctl wire.LegacyControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			t.Fatalf("Failed to decode control: %v", err)
		}
		commands = append(commands, ctl.Command)
	}
	return commands
}

func TestLegacy_SetupRejectedFingerprint(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.RequireFingerprint = true
	f.confirm = false
	f.accounts.Add("user-1", "alice@example.com", true)
	_, pubB64 := newPeerKey(t)

	f.session.handle(legacySetupFrame(t, "ext-1", "user-1", pubB64))

	want := fmt.Sprintf("%v", []string{VerifyStarted, VerifyRejected})
	if got := fmt.Sprintf("%v", legacyControlCommands(t, f)); got != want {
		t.Errorf("Expected control sequence %s, got %s", want, got)
	}
	app, _ := f.registry.Get("ext-1")
	if app.Key != nil {
		t.Error("No session secret may be installed after rejection")
	}
	if app.Trusted {
		t.Error("Trust flag must stay false after rejection")
	}
}

func TestLegacy_SetupConfirmedFingerprint(t *testing.T) {
	f := newFixture(t)
	f.cfg.Features.RequireFingerprint = true
	f.accounts.Add("user-1", "alice@example.com", true)
	priv, pubB64 := newPeerKey(t)

	f.session.handle(legacySetupFrame(t, "ext-1", "user-1", pubB64))

	want := fmt.Sprintf("%v", []string{VerifyStarted, VerifyAccepted, wire.LegacySetupEncryption})
	if got := fmt.Sprintf("%v", legacyControlCommands(t, f)); got != want {
		t.Errorf("Expected control sequence %s, got %s", want, got)
	}

	var ctl wire.LegacyControl
	f.conn.lastFrame(t, &ctl)
	decryptSharedKey(t, priv, ctl.SharedSecret)
	if app, _ := f.registry.Get("ext-1"); !app.Trusted || app.Key == nil {
		t.Errorf("Expected trusted legacy entry with key, got %+v", app)
	}
}

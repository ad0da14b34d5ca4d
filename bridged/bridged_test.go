package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/keyhaven/bridge/bridged/vaultstore"
	"github.com/keyhaven/bridge/wire"
)

// testConn records outbound frames; inbound frames are injected directly
// through Session.handle in tests.
type testConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *testConn) ReadFrame() ([]byte, error) { return nil, io.EOF }

func (c *testConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *testConn) Close() error { return nil }

func (c *testConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *testConn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// lastFrame decodes the most recent outbound frame into v
func (c *testConn) lastFrame(t *testing.T, v any) {
	t.Helper()
	frames := c.Frames()
	if len(frames) == 0 {
		t.Fatal("No outbound frame")
	}
	if err := json.Unmarshal(frames[len(frames)-1], v); err != nil {
		t.Fatalf("Failed to decode outbound frame: %v", err)
	}
}

// fixture wires a full daemon minus the listeners
type fixture struct {
	cfg        *Config
	registry   *Registry
	accounts   *AccountDirectory
	store      *vaultstore.Store
	bus        *memoryBus
	session    *Session
	conn       *testConn
	confirm    bool
	relaunches []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{confirm: true}

	f.cfg = DefaultConfig()
	f.cfg.Features.RequireFingerprint = false

	store, err := vaultstore.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	f.store = store

	f.accounts = NewAccountDirectory()
	f.registry = NewRegistry()
	f.bus = NewMemoryBus()

	verifier := NewVerifier(f.registry, ConfirmerFunc(func(appName, phrase string) bool {
		return f.confirm
	}), f.bus, func() bool {
		return f.cfg.Features.RequireFingerprint
	})
	handshake := NewHandshake(f.cfg, f.registry, verifier)
	biometrics := NewLocalBiometrics(f.accounts, []string{"user-1", "user-2"})
	relauncher := RelauncherFunc(func(reason string) {
		f.relaunches = append(f.relaunches, reason)
	})
	dispatcher := NewDispatcher(f.cfg, f.accounts, f.store, biometrics, relauncher, f.bus)

	f.conn = &testConn{}
	f.session = NewSession("peer-1", f.conn, f.cfg, f.registry, handshake, verifier, dispatcher, f.accounts)
	return f
}

func (f *fixture) dispatcher() *Dispatcher {
	return f.session.dispatcher
}

// newPeerKey generates a peer RSA keypair and its base64 DER public key
func newPeerKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate keypair: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}
	return priv, base64.StdEncoding.EncodeToString(der)
}

// runHandshake drives a full versioned handshake through the session and
// returns the negotiated session key as the peer would hold it.
func (f *fixture) runHandshake(t *testing.T, priv *rsa.PrivateKey, pubB64 string) wire.SessionKey {
	t.Helper()

	payload, _ := json.Marshal(wire.HandshakePayload{
		PublicKey:       pubB64,
		ApplicationName: "TestApp",
	})
	msg, _ := json.Marshal(wire.Message{
		MessageID: "hs-1",
		Version:   wire.ProtocolVersion,
		Command:   wire.CmdHandshake,
		Payload:   payload,
	})
	f.session.handle(msg)

	var resp wire.Response
	f.conn.lastFrame(t, &resp)
	if resp.Payload == nil || resp.Payload.Status != wire.StatusSuccess {
		t.Fatalf("Handshake failed: %+v", resp.Payload)
	}

	key := decryptSharedKey(t, priv, resp.Payload.SharedKey)
	f.conn.Reset()
	return key
}

func decryptSharedKey(t *testing.T, priv *rsa.PrivateKey, sharedKeyB64 string) wire.SessionKey {
	t.Helper()
	sealed, err := base64.StdEncoding.DecodeString(sharedKeyB64)
	if err != nil {
		t.Fatalf("Malformed shared key: %v", err)
	}
	secret, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, sealed, nil)
	if err != nil {
		t.Fatalf("Failed to decrypt shared key: %v", err)
	}
	key, err := wire.NewSessionKey(secret)
	if err != nil {
		t.Fatalf("Unusable shared key: %v", err)
	}
	return key
}

// sendCommand seals a command as the peer, routes it through the session,
// and returns the decrypted response payload.
func (f *fixture) sendCommand(t *testing.T, key wire.SessionKey, name wire.CommandName, payload any) json.RawMessage {
	t.Helper()

	plaintext, err := wire.EncodeCommand(name, payload, time.Now())
	if err != nil {
		t.Fatalf("Failed to encode command: %v", err)
	}
	sealed, err := key.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt command: %v", err)
	}
	msg, _ := json.Marshal(wire.Message{
		MessageID:        "cmd-1",
		Version:          wire.ProtocolVersion,
		EncryptedCommand: sealed,
	})
	f.conn.Reset()
	f.session.handle(msg)

	var resp wire.Response
	f.conn.lastFrame(t, &resp)
	if resp.EncryptedPayload == "" {
		t.Fatalf("Expected encrypted response, got %+v", resp)
	}
	opened, err := key.Decrypt(resp.EncryptedPayload)
	if err != nil {
		t.Fatalf("Failed to decrypt response: %v", err)
	}
	f.conn.Reset()
	return opened
}

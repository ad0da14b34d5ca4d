package main

import (
	"sort"
	"sync"

	"github.com/keyhaven/bridge/wire"
)

// registryKeyPrefix namespaces registry keys so peer identifiers cannot
// collide with unrelated stored values.
const registryKeyPrefix = "connectedApp_"

// ConnectedApp is the per-peer state owned by the Registry: the peer's
// public key, its negotiated session key, and whether a human has confirmed
// its fingerprint. Key is nil until a handshake completes and stays nil
// until the next successful handshake.
type ConnectedApp struct {
	PeerID       string
	AppName      string
	PublicKeyDER []byte
	Key          *wire.SessionKey
	Trusted      bool

	// Legacy marks peers speaking the pre-versioning dialect.
	Legacy bool
}

// Registry holds all connected-app state. It is process-local and
// ephemeral: nothing survives a restart, every peer re-handshakes.
type Registry struct {
	mu   sync.Mutex
	apps map[string]*ConnectedApp
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]*ConnectedApp)}
}

// Get returns a copy of the peer's state
func (r *Registry) Get(peerID string) (ConnectedApp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[registryKeyPrefix+peerID]
	if !ok {
		return ConnectedApp{}, false
	}
	return *app, true
}

// Set stores the peer's state, replacing any previous entry
func (r *Registry) Set(peerID string, app ConnectedApp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app.PeerID = peerID
	r.apps[registryKeyPrefix+peerID] = &app
}

// Has reports whether the peer has an entry
func (r *Registry) Has(peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.apps[registryKeyPrefix+peerID]
	return ok
}

// List returns all peer IDs in deterministic order
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.apps))
	for _, app := range r.apps {
		ids = append(ids, app.PeerID)
	}
	sort.Strings(ids)
	return ids
}

// Clear removes every peer's state, forcing all peers to re-handshake.
// Safe to call repeatedly.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps = make(map[string]*ConnectedApp)
}

// DowngradeTrust marks every peer untrusted without touching session keys.
// Called when the fingerprint-confirmation policy is switched on: existing
// sessions stay decryptable but sensitive operations need re-verification.
func (r *Registry) DowngradeTrust() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range r.apps {
		app.Trusted = false
	}
}

// SetTrusted flips the trust flag for one peer, if present
func (r *Registry) SetTrusted(peerID string, trusted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if app, ok := r.apps[registryKeyPrefix+peerID]; ok {
		app.Trusted = trusted
	}
}

package main

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/keyhaven/bridge/bridged/vaultstore"
	"github.com/keyhaven/bridge/wire"
)

// Vault is the credential store consumed by the dispatcher. Implemented by
// vaultstore.Store.
type Vault interface {
	FindByURI(userID, uri string) ([]vaultstore.Credential, error)
	Create(c vaultstore.Credential) (string, error)
	Update(c vaultstore.Credential) error
	GeneratePassword(userID string) (string, error)
}

// Response payload shapes, field casing fixed by the peer ecosystem.

type errorPayload struct {
	Error string `json:"error"`
}

type statusPayload struct {
	Status string `json:"status"`
}

type passwordPayload struct {
	Password string `json:"password"`
}

// AccountStatus is one entry of a bw-status response
type AccountStatus struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status"`
	Active bool   `json:"active"`
}

// RetrievedCredential is one entry of a bw-credential-retrieval response
type RetrievedCredential struct {
	UserID       string `json:"userId"`
	CredentialID string `json:"credentialId"`
	UserName     string `json:"userName"`
	Password     string `json:"password"`
	Name         string `json:"name"`
}

type biometricsStatusPayload struct {
	Status BiometricsStatus `json:"status"`
}

const (
	accountLocked   = "locked"
	accountUnlocked = "unlocked"
)

// Dispatcher executes decrypted, timestamp-valid commands. It holds no
// per-peer cryptographic state; encryption happens strictly before and
// after dispatch, never during.
type Dispatcher struct {
	cfg        *Config
	accounts   *AccountDirectory
	vault      Vault
	biometrics BiometricsPort
	relauncher Relauncher
	signals    SignalBus
}

// NewDispatcher wires the dispatcher to its collaborators
func NewDispatcher(cfg *Config, accounts *AccountDirectory, vault Vault, biometrics BiometricsPort, relauncher Relauncher, signals SignalBus) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		accounts:   accounts,
		vault:      vault,
		biometrics: biometrics,
		relauncher: relauncher,
		signals:    signals,
	}
}

// Execute runs one command and returns the response payload to encrypt.
// Authorization failures come back as typed error payloads; persistence
// failures map to a generic failure status and are only detailed in logs.
func (d *Dispatcher) Execute(peerID string, cmd *wire.Command) any {
	switch cmd.Name {
	case wire.CmdStatus:
		return d.status()
	case wire.CmdCredentialRetrieval:
		return d.retrieve(cmd.Retrieval)
	case wire.CmdCredentialCreate:
		return d.create(cmd.Create)
	case wire.CmdCredentialUpdate:
		return d.update(cmd.Update)
	case wire.CmdGeneratePassword:
		return d.generate(cmd.Generate)
	case wire.CmdAuthenticateWithBiometrics:
		return d.authenticateWithBiometrics()
	case wire.CmdUnlockWithBiometricsForUser:
		return d.unlockWithBiometrics(cmd.Biometrics)
	case wire.CmdGetBiometricsStatus:
		return d.biometricsStatus("")
	case wire.CmdGetBiometricsStatusForUser:
		return d.biometricsStatus(cmd.Biometrics.UserID)
	}
	// DecodeCommand rejects unknown names before dispatch.
	log.Error().Str("peer", peerID).Str("command", string(cmd.Name)).Msg("Unhandled command variant")
	return statusPayload{Status: wire.StatusFailure}
}

// status enumerates all known accounts with lock state. No side effects.
func (d *Dispatcher) status() []AccountStatus {
	active, _ := d.accounts.Active()

	out := []AccountStatus{}
	for _, a := range d.accounts.List() {
		state := accountLocked
		if a.Unlocked {
			state = accountUnlocked
		}
		out = append(out, AccountStatus{
			ID:     a.ID,
			Email:  a.Email,
			Status: state,
			Active: a.ID == active.ID,
		})
	}
	return out
}

// retrieve returns ranked credentials for a URI. Requires the active
// account to be unlocked; no vault read happens otherwise.
func (d *Dispatcher) retrieve(req *wire.CredentialRetrieval) any {
	active, ok := d.accounts.Active()
	if !ok || !active.Unlocked {
		return errorPayload{Error: wire.ErrorLocked}
	}

	creds, err := d.vault.FindByURI(active.ID, req.URI)
	if err != nil {
		log.Error().Err(err).Msg("Credential retrieval failed")
		return statusPayload{Status: wire.StatusFailure}
	}

	out := []RetrievedCredential{}
	for _, c := range creds {
		out = append(out, RetrievedCredential{
			UserID:       c.UserID,
			CredentialID: c.ID,
			UserName:     c.UserName,
			Password:     c.Password,
			Name:         c.Name,
		})
	}
	return out
}

func (d *Dispatcher) create(req *wire.CredentialCreate) any {
	if payload, ok := d.requireActiveUnlocked(req.UserID); !ok {
		return payload
	}
	if req.Name == "" {
		return statusPayload{Status: wire.StatusFailure}
	}
	if d.accounts.PersonalOwnershipForbidden(req.UserID) {
		log.Info().Str("user", req.UserID).Msg("Credential creation forbidden by ownership policy")
		return statusPayload{Status: wire.StatusFailure}
	}

	_, err := d.vault.Create(vaultstore.Credential{
		UserID:   req.UserID,
		Name:     req.Name,
		UserName: req.UserName,
		Password: req.Password,
		URI:      req.URI,
	})
	if err != nil {
		log.Error().Err(err).Msg("Credential creation failed")
		return statusPayload{Status: wire.StatusFailure}
	}

	d.signals.Publish(SignalAddedCipher, nil)
	return statusPayload{Status: wire.StatusSuccess}
}

func (d *Dispatcher) update(req *wire.CredentialUpdate) any {
	if payload, ok := d.requireActiveUnlocked(req.UserID); !ok {
		return payload
	}
	if req.Name == "" || req.CredentialID == "" {
		return statusPayload{Status: wire.StatusFailure}
	}

	err := d.vault.Update(vaultstore.Credential{
		ID:       req.CredentialID,
		UserID:   req.UserID,
		Name:     req.Name,
		UserName: req.UserName,
		Password: req.Password,
		URI:      req.URI,
	})
	if errors.Is(err, vaultstore.ErrNotFound) {
		log.Info().Str("credential", req.CredentialID).Msg("Credential to update not found")
		return statusPayload{Status: wire.StatusFailure}
	}
	if err != nil {
		log.Error().Err(err).Msg("Credential update failed")
		return statusPayload{Status: wire.StatusFailure}
	}

	d.signals.Publish(SignalEditedCipher, nil)
	return statusPayload{Status: wire.StatusSuccess}
}

func (d *Dispatcher) generate(req *wire.GeneratePassword) any {
	if payload, ok := d.requireActiveUnlocked(req.UserID); !ok {
		return payload
	}

	password, err := d.vault.GeneratePassword(req.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Password generation failed")
		return statusPayload{Status: wire.StatusFailure}
	}
	return passwordPayload{Password: password}
}

func (d *Dispatcher) authenticateWithBiometrics() any {
	if !d.cfg.Features.BiometricUnlock {
		return errorPayload{Error: wire.ErrorCanceled}
	}
	active, ok := d.accounts.Active()
	if !ok {
		return errorPayload{Error: wire.ErrorNotActiveUser}
	}
	if err := d.biometrics.Unlock(active.ID); err != nil {
		log.Warn().Err(err).Str("user", active.ID).Msg("Biometric authentication failed")
		return errorPayload{Error: wire.ErrorCanceled}
	}

	// The vault just became readable; the UI reloads its credential list.
	d.signals.Publish(SignalRefreshCiphers, nil)
	return statusPayload{Status: wire.StatusSuccess}
}

// unlockWithBiometrics unlocks the named user. When that user is not the
// account currently active and unlocked, the host process is relaunched so
// the fresh key material becomes the active one. Dev mode skips the
// relaunch entirely. The decision reads the active account at completion
// time, not at request arrival.
func (d *Dispatcher) unlockWithBiometrics(req *wire.BiometricsUser) any {
	if !d.cfg.Features.BiometricUnlock {
		return errorPayload{Error: wire.ErrorCanceled}
	}
	if !d.accounts.SignedIn(req.UserID) {
		return errorPayload{Error: wire.ErrorNotActiveUser}
	}

	if err := d.biometrics.Unlock(req.UserID); err != nil {
		log.Warn().Err(err).Str("user", req.UserID).Msg("Biometric unlock failed")
		return errorPayload{Error: wire.ErrorCanceled}
	}

	active, ok := d.accounts.Active()
	if (!ok || active.ID != req.UserID) && !d.cfg.DevMode {
		d.relauncher.Relaunch("biometric unlock for non-active user " + req.UserID)
	}

	d.signals.Publish(SignalRefreshCiphers, nil)
	return statusPayload{Status: wire.StatusSuccess}
}

// biometricsStatus reports for the named user, or the active user when the
// id is empty.
func (d *Dispatcher) biometricsStatus(userID string) any {
	if !d.cfg.Features.BiometricStatus {
		return biometricsStatusPayload{Status: BiometricsNotEnabled}
	}
	if userID == "" {
		active, ok := d.accounts.Active()
		if !ok {
			return errorPayload{Error: wire.ErrorNotActiveUser}
		}
		userID = active.ID
	}
	return biometricsStatusPayload{Status: d.biometrics.Status(userID)}
}

// requireActiveUnlocked checks that the named user is the active account
// and unlocked. Returns the error payload to send when the check fails.
func (d *Dispatcher) requireActiveUnlocked(userID string) (any, bool) {
	active, ok := d.accounts.Active()
	if !ok || active.ID != userID {
		return errorPayload{Error: wire.ErrorNotActiveUser}, false
	}
	if !active.Unlocked {
		return errorPayload{Error: wire.ErrorLocked}, false
	}
	return nil, true
}

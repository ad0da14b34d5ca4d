package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// BiometricsStatus mirrors the status codes the peer ecosystem expects.
type BiometricsStatus int

const (
	BiometricsAvailable BiometricsStatus = iota
	BiometricsUnlockNeeded
	BiometricsHardwareUnavailable
	BiometricsManualSetupNeeded
	BiometricsPlatformUnsupported
	BiometricsNotEnabled
)

// BiometricsPort is the platform biometric capability consumed by the
// dispatcher. Implementations wrap whatever the host OS provides.
type BiometricsPort interface {
	Status(userID string) BiometricsStatus
	Unlock(userID string) error
}

// Relauncher tears down and relaunches the host process so newly unlocked
// key material becomes the one in active memory.
type Relauncher interface {
	Relaunch(reason string)
}

// RelauncherFunc adapts a function to the Relauncher interface
type RelauncherFunc func(reason string)

func (f RelauncherFunc) Relaunch(reason string) {
	f(reason)
}

// localBiometrics is a host-keyed biometrics implementation: users with
// enrolled protected keys can be unlocked, everyone else reports a setup
// status. Unlocking flips the account's lock state in the directory.
type localBiometrics struct {
	accounts *AccountDirectory
	enrolled map[string]bool
}

// NewLocalBiometrics creates a biometrics port over the account directory.
// enrolled lists the user IDs with biometric keys available.
func NewLocalBiometrics(accounts *AccountDirectory, enrolled []string) BiometricsPort {
	m := make(map[string]bool, len(enrolled))
	for _, id := range enrolled {
		m[id] = true
	}
	return &localBiometrics{accounts: accounts, enrolled: m}
}

func (b *localBiometrics) Status(userID string) BiometricsStatus {
	if !b.enrolled[userID] {
		return BiometricsNotEnabled
	}
	if a, ok := b.accounts.Get(userID); ok && a.Unlocked {
		return BiometricsAvailable
	}
	return BiometricsUnlockNeeded
}

func (b *localBiometrics) Unlock(userID string) error {
	if !b.enrolled[userID] {
		return fmt.Errorf("no biometric key enrolled for user %s", userID)
	}
	if !b.accounts.SetUnlocked(userID, true) {
		return fmt.Errorf("user %s is not signed in", userID)
	}
	log.Info().Str("user", userID).Msg("Account unlocked via biometrics")
	return nil
}

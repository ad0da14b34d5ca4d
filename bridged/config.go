package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the bridge daemon configuration
type Config struct {
	// DevMode enables development mode (TCP listener, no process relaunch)
	DevMode bool `yaml:"dev_mode"`

	// Socket configuration
	Socket SocketConfig `yaml:"socket"`

	// Vsock configuration for VM-guest deployments
	Vsock VsockConfig `yaml:"vsock"`

	// NATS configuration for the UI signal bus
	NATS NATSConfig `yaml:"nats"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Feature toggles
	Features FeatureConfig `yaml:"features"`

	// Accounts signed in at startup
	Accounts []AccountConfig `yaml:"accounts"`
}

// SocketConfig holds the unix socket listener settings
type SocketConfig struct {
	Path string `yaml:"path"`
}

// VsockConfig holds the vsock listener settings
type VsockConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    uint32 `yaml:"port"`
}

// NATSConfig holds NATS connection settings; an empty URL selects the
// in-process signal bus.
type NATSConfig struct {
	URL             string `yaml:"url"`
	CredentialsFile string `yaml:"credentials_file"`
	ReconnectWait   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	SubjectPrefix   string `yaml:"subject_prefix"`
}

// StoreConfig holds the credential store settings
type StoreConfig struct {
	Path string `yaml:"path"`
}

// FeatureConfig holds the externally controlled feature toggles
type FeatureConfig struct {
	// BrowserIntegration enables the channel at all; handshakes are
	// answered with "canceled" while disabled.
	BrowserIntegration bool `yaml:"browser_integration"`

	// RequireFingerprint enforces human fingerprint confirmation before
	// an untrusted peer may complete sensitive operations.
	RequireFingerprint bool `yaml:"require_fingerprint"`

	// BiometricUnlock gates the biometric unlock sub-protocol.
	BiometricUnlock bool `yaml:"biometric_unlock"`

	// BiometricStatus gates the newer biometric status sub-protocol.
	BiometricStatus bool `yaml:"biometric_status"`
}

// AccountConfig describes one signed-in account
type AccountConfig struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Unlocked bool   `yaml:"unlocked"`
	Active   bool   `yaml:"active"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Use defaults if no config file
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DevMode: false,
		Socket: SocketConfig{
			Path: "/run/keyhaven/bridge.sock",
		},
		Vsock: VsockConfig{
			Enabled: false,
			Port:    5800,
		},
		NATS: NATSConfig{
			URL:           "",
			ReconnectWait: 2000,
			MaxReconnects: -1, // Unlimited
			SubjectPrefix: "bridge.ui",
		},
		Store: StoreConfig{
			Path: "/var/lib/keyhaven/vault.db",
		},
		Features: FeatureConfig{
			BrowserIntegration: true,
			RequireFingerprint: true,
			BiometricUnlock:    true,
			BiometricStatus:    true,
		},
	}
}

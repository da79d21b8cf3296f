// Package config handles node configuration.
//
// Configuration is split into two categories:
//   - Network definition: chains, contract deployments, swap and
//     rebalance tables, loaded from a JSON file and shared by operators
//   - Node settings: runtime configuration, can vary per node
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	DataDir string `conf:"datadir"`

	// Signer key material: a keystore file (encrypted mnemonic) or a
	// plaintext mnemonic via environment for development setups.
	KeystoreFile string `conf:"keystore.file"`
	Mnemonic     string // Never persisted; VECTOR_MNEMONIC env or keystore.

	// Network definition file (chains, contracts, swaps, profiles).
	NetworkFile string `conf:"network.file"`

	// Messaging transport
	Messaging MessagingConfig

	// RPC server
	RPC RPCConfig

	// Router behavior
	Router RouterConfig

	// Logging
	Log LogConfig
}

// MessagingConfig holds libp2p transport settings.
type MessagingConfig struct {
	ListenAddr string   `conf:"messaging.listen"`
	Port       int      `conf:"messaging.port"`
	Seeds      []string `conf:"messaging.seeds"`
	NoDiscover bool     `conf:"messaging.nodiscover"`
	DHTServer  bool     `conf:"messaging.dhtserver"`
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"`
}

// RouterConfig holds forwarding settings.
type RouterConfig struct {
	Enabled     bool `conf:"router.enabled"`
	SkipCheckIn bool `conf:"router.skipcheckin"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.vector
//	macOS:   ~/Library/Application Support/Vector
//	Windows: %APPDATA%\Vector
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vector"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Vector")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Vector")
		}
		return filepath.Join(home, "AppData", "Roaming", "Vector")
	default:
		return filepath.Join(home, ".vector")
	}
}

// StoreDir returns the channel store directory.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// MessagingDir returns the transport identity directory.
func (c *Config) MessagingDir() string {
	return filepath.Join(c.DataDir, "messaging")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "vector.conf")
}

// DefaultKeystoreFile returns the default keystore path.
func (c *Config) DefaultKeystoreFile() string {
	return filepath.Join(c.DataDir, "keystore", "signer.key")
}

// DefaultNetworkFile returns the default network definition path.
func (c *Config) DefaultNetworkFile() string {
	return filepath.Join(c.DataDir, "network.json")
}

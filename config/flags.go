package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	DataDir  string
	Config   string
	Keystore string
	Network  string

	// Messaging
	MessagingPort int
	Seeds         string
	NoDiscover    bool
	DHTServer     bool

	// RPC
	RPC     bool
	RPCAddr string
	RPCPort int

	// Router
	Router      bool
	SkipCheckIn bool

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetRPC         bool
	SetRouter      bool
	SetNoDiscover  bool
	SetSkipCheckIn bool
}

// ParseFlags parses command-line flags.
func ParseFlags() *Flags {
	f := &Flags{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.Usage = printUsage

	fs.BoolVar(&f.Help, "help", false, "Show help")
	fs.BoolVar(&f.Version, "version", false, "Show version")

	fs.StringVar(&f.DataDir, "datadir", "", "Data directory")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Keystore, "keystore", "", "Signer keystore file")
	fs.StringVar(&f.Network, "network", "", "Network definition file")

	fs.IntVar(&f.MessagingPort, "messaging-port", 0, "Messaging listen port")
	fs.StringVar(&f.Seeds, "seeds", "", "Comma-separated seed multiaddrs")
	fs.BoolVar(&f.NoDiscover, "nodiscover", false, "Disable DHT discovery")
	fs.BoolVar(&f.DHTServer, "dht-server", false, "Run DHT in server mode")

	fs.BoolVar(&f.RPC, "rpc", true, "Enable JSON-RPC server")
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "RPC listen address")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "RPC listen port")

	fs.BoolVar(&f.Router, "router", true, "Enable the forwarding engine")
	fs.BoolVar(&f.SkipCheckIn, "skip-checkin", false, "Skip queued-update drain on is-alive")

	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "JSON log output")

	fs.Parse(os.Args[1:])
	f.Args = fs.Args()

	f.SetRPC = isFlagSet(fs, "rpc")
	f.SetRouter = isFlagSet(fs, "router")
	f.SetNoDiscover = isFlagSet(fs, "nodiscover")
	f.SetSkipCheckIn = isFlagSet(fs, "skip-checkin")
	return f
}

// ApplyFlags overlays explicitly set flags onto a Config.
func ApplyFlags(cfg *Config, f *Flags) {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.Keystore != "" {
		cfg.KeystoreFile = f.Keystore
	}
	if f.Network != "" {
		cfg.NetworkFile = f.Network
	}
	if f.MessagingPort != 0 {
		cfg.Messaging.Port = f.MessagingPort
	}
	if f.Seeds != "" {
		cfg.Messaging.Seeds = parseStringList(f.Seeds)
	}
	if f.SetNoDiscover {
		cfg.Messaging.NoDiscover = f.NoDiscover
	}
	if f.DHTServer {
		cfg.Messaging.DHTServer = true
	}
	if f.SetRPC {
		cfg.RPC.Enabled = f.RPC
	}
	if f.RPCAddr != "" {
		cfg.RPC.Addr = f.RPCAddr
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.SetRouter {
		cfg.Router.Enabled = f.Router
	}
	if f.SetSkipCheckIn {
		cfg.Router.SkipCheckIn = f.SkipCheckIn
	}
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.LogJSON {
		cfg.Log.JSON = true
	}
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			set = true
		}
	})
	return set
}

// Load builds the effective config: defaults, then config file, then
// flags, then environment.
func Load() (*Config, *Flags, error) {
	f := ParseFlags()
	cfg := Default()

	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	configFile := f.Config
	if configFile == "" {
		configFile = cfg.ConfigFile()
	}
	values, err := LoadFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		return nil, nil, err
	}
	ApplyFlags(cfg, f)

	if mnemonic := strings.TrimSpace(os.Getenv("VECTOR_MNEMONIC")); mnemonic != "" {
		cfg.Mnemonic = mnemonic
	}
	if cfg.KeystoreFile == "" {
		cfg.KeystoreFile = cfg.DefaultKeystoreFile()
	}
	if cfg.NetworkFile == "" {
		cfg.NetworkFile = cfg.DefaultNetworkFile()
	}

	if err := Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, f, nil
}

// EnsureDataDirs creates the directories the node writes to.
func EnsureDataDirs(cfg *Config) error {
	for _, dir := range []string{cfg.DataDir, cfg.StoreDir(), cfg.MessagingDir(), cfg.LogsDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `vectord - payment channel routing node

Usage:
  vectord [flags]

Flags:
  --datadir <dir>          Data directory
  --config <file>          Config file (default <datadir>/vector.conf)
  --keystore <file>        Signer keystore file
  --network <file>         Network definition file
  --messaging-port <port>  Messaging listen port
  --seeds <multiaddrs>     Comma-separated seed multiaddrs
  --nodiscover             Disable DHT discovery
  --dht-server             Run DHT in server mode
  --rpc[=false]            Enable JSON-RPC server
  --rpc-addr <addr>        RPC listen address
  --rpc-port <port>        RPC listen port
  --router[=false]         Enable the forwarding engine
  --skip-checkin           Skip queued-update drain on is-alive
  --log-level <level>      debug, info, warn, error
  --log-file <file>        Log file path
  --log-json               JSON log output
  --help                   Show help
  --version                Show version
`)
}

// Package rcpancfg loads the daemon configuration: defaults, then the
// config file, then command-line flags, each layer overriding the last.
// Environment variables are not read.
package rcpancfg

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "rcpan.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "rcpand.log"
)

// Config holds the daemon's startup parameters.
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	HomeDir    string `long:"homedir" description:"The base directory that contains rcpan's data, logs and configuration file"`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store rcpan's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output"`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	GossipListen string `long:"gossiplisten" description:"host:port to accept gossip peer connections on"`
	AdminListen  string `long:"adminlisten" description:"host:port for the local operator API (rcpanctl)"`

	DBBackend   string `long:"db.backend" description:"Snapshot store backend" choice:"bolt" choice:"postgres"`
	PostgresDSN string `long:"db.postgres.dsn" description:"Postgres connection string when db.backend=postgres"`

	Jurisdiction         string        `long:"jurisdiction.name" description:"Name of the active jurisdiction"`
	JurisdictionEndpoint string        `long:"jurisdiction.endpoint" description:"Adapter endpoint; 'sim' runs the in-process simulated chain"`
	DisputeTimeout       uint64        `long:"jurisdiction.disputetimeout" description:"Simulated chain dispute window in blocks"`
	PollInterval         time.Duration `long:"jurisdiction.pollinterval" description:"Chain event poll interval"`

	TickInterval time.Duration `long:"tickinterval" description:"Wall-clock cadence of the runtime tick loop"`

	RuntimeSeed string `long:"runtimeseed" description:"Hex seed for deterministic signer derivation (scenario/test deployments only)"`
}

// DefaultConfig returns the baseline configuration before file and flag
// layering.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".rcpan")
	return Config{
		HomeDir:              base,
		ConfigFile:           filepath.Join(base, defaultConfigFilename),
		DataDir:              filepath.Join(base, defaultDataDirname),
		LogDir:               filepath.Join(base, defaultLogDirname),
		DebugLevel:           "info",
		GossipListen:         "localhost:9735",
		AdminListen:          "localhost:9736",
		DBBackend:            "bolt",
		Jurisdiction:         "sim",
		JurisdictionEndpoint: "sim",
		DisputeTimeout:       6,
		PollInterval:         time.Second,
		TickInterval:         100 * time.Millisecond,
	}
}

// LogFile is the rotating log file path for this config.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// Seed decodes the configured runtime seed, or zero when unset (production
// deployments provide keys externally).
func (c *Config) Seed() ([32]byte, error) {
	var seed [32]byte
	if c.RuntimeSeed == "" {
		return seed, nil
	}
	raw, err := hex.DecodeString(c.RuntimeSeed)
	if err != nil {
		return seed, fmt.Errorf("invalid runtimeseed: %w", err)
	}
	if len(raw) != 32 {
		return seed, fmt.Errorf("runtimeseed must be 32 bytes, got %d", len(raw))
	}
	copy(seed[:], raw)
	return seed, nil
}

// LoadConfig parses defaults, then the config file, then command-line
// flags.
func LoadConfig(args []string) (*Config, error) {
	cfg := DefaultConfig()

	// A pre-pass picks up --configfile/--homedir overrides before the file
	// itself is read.
	preCfg := cfg
	defaultConfigFile := cfg.ConfigFile
	if _, err := flags.NewParser(&preCfg, flags.IgnoreUnknown).ParseArgs(args); err != nil {
		return nil, err
	}
	if preCfg.HomeDir != cfg.HomeDir {
		cfg.HomeDir = preCfg.HomeDir
		cfg.ConfigFile = filepath.Join(cfg.HomeDir, defaultConfigFilename)
		cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
	}
	if preCfg.ConfigFile != "" && preCfg.ConfigFile != defaultConfigFile {
		cfg.ConfigFile = preCfg.ConfigFile
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := os.Stat(cfg.ConfigFile); err == nil {
		if err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.DataDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

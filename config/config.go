// Package config loads the peer daemon's TOML configuration file, matching
// SPEC_FULL.md §6's enumerated configuration fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// SSLMode selects the peer acceptor's TLS material layout.
type SSLMode string

const (
	// SSLModeDefault reads ca.crt/server.crt/server.key from DataDir,
	// matching the persisted state layout of SPEC_FULL.md §6.
	SSLModeDefault SSLMode = "default"
	// SSLModeV2 additionally restricts the SDK acceptor to an elliptic
	// curve cipher suite (tls.CurveP256), matching the "encrypted variant"
	// named in SPEC_FULL.md §6.
	SSLModeV2 SSLMode = "v2"
)

// Config is the peer daemon's configuration, decoded from a TOML file.
type Config struct {
	ListenIP       string  `toml:"listen_ip"`
	ListenPort     uint16  `toml:"listen_port"`
	PublicIP       string  `toml:"public_ip"`
	TraverseNAT    bool    `toml:"traverse_nat"`
	PinMode        bool    `toml:"pin_mode"`
	IdealPeerCount uint32  `toml:"ideal_peer_count"`
	SSLMode        SSLMode `toml:"ssl_mode"`
	DataDir        string  `toml:"data_dir"`

	ChannelListenIP   string `toml:"channel_listen_ip"`
	ChannelListenPort uint16 `toml:"channel_listen_port"`

	NodesFile string `toml:"nodes_file"`

	DialRatePerSec   float64 `toml:"dial_rate_per_sec"`
	DialBurst        int     `toml:"dial_burst"`
	AcceptRatePerSec float64 `toml:"accept_rate_per_sec"`
	AcceptBurst      int     `toml:"accept_burst"`

	LogFile    string `toml:"log_file"`
	LogService string `toml:"log_service"`
	LogEnv     string `toml:"log_env"`

	MetricsListenAddress string `toml:"metrics_listen_address"`

	TelemetryEndpoint    string `toml:"telemetry_endpoint"`
	TelemetryInsecure    bool   `toml:"telemetry_insecure"`
	TelemetryHeaders     string `toml:"telemetry_headers"`
	TelemetryTraces      bool   `toml:"telemetry_traces"`
	TelemetryMetrics     bool   `toml:"telemetry_metrics"`
}

const (
	defaultListenPort        = 30303
	defaultChannelListenPort = 20200
	defaultIdealPeerCount    = 25
	defaultDialRatePerSec    = 2
	defaultDialBurst         = 5
	defaultAcceptRatePerSec  = 10
	defaultAcceptBurst       = 20
)

// Load decodes the configuration file at path, creating a default one if it
// does not exist, then applies zero-value-aware defaulting.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenIP) == "" {
		c.ListenIP = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = defaultListenPort
	}
	if c.ChannelListenIP == "" {
		c.ChannelListenIP = c.ListenIP
	}
	if c.ChannelListenPort == 0 {
		c.ChannelListenPort = defaultChannelListenPort
	}
	if c.IdealPeerCount == 0 {
		c.IdealPeerCount = defaultIdealPeerCount
	}
	if strings.TrimSpace(string(c.SSLMode)) == "" {
		c.SSLMode = SSLModeDefault
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.NodesFile) == "" {
		c.NodesFile = filepath.Join(c.DataDir, "nodes.json")
	}
	if c.DialRatePerSec <= 0 {
		c.DialRatePerSec = defaultDialRatePerSec
	}
	if c.DialBurst <= 0 {
		c.DialBurst = defaultDialBurst
	}
	if c.AcceptRatePerSec <= 0 {
		c.AcceptRatePerSec = defaultAcceptRatePerSec
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = defaultAcceptBurst
	}
	if strings.TrimSpace(c.LogService) == "" {
		c.LogService = "p2pd"
	}
}

func (c *Config) validate() error {
	switch c.SSLMode {
	case SSLModeDefault, SSLModeV2:
	default:
		return fmt.Errorf("unrecognized ssl_mode %q", c.SSLMode)
	}
	if c.ListenPort == 0 {
		return fmt.Errorf("listen_port must be non-zero")
	}
	return nil
}

// createDefault writes and returns a fresh configuration at path.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenIP:          "0.0.0.0",
		ListenPort:        defaultListenPort,
		PublicIP:          "",
		TraverseNAT:       false,
		PinMode:           false,
		IdealPeerCount:    defaultIdealPeerCount,
		SSLMode:           SSLModeDefault,
		DataDir:           "./data",
		ChannelListenIP:   "0.0.0.0",
		ChannelListenPort: defaultChannelListenPort,
		DialRatePerSec:    defaultDialRatePerSec,
		DialBurst:         defaultDialBurst,
		AcceptRatePerSec:  defaultAcceptRatePerSec,
		AcceptBurst:       defaultAcceptBurst,
		LogService:        "p2pd",
	}
	cfg.NodesFile = filepath.Join(cfg.DataDir, "nodes.json")

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// TLSPaths returns the default ca.crt/server.crt/server.key locations under
// DataDir used when SSLMode is SSLModeDefault, per SPEC_FULL.md §6.
func (c *Config) TLSPaths() (ca, cert, key string) {
	return filepath.Join(c.DataDir, "ca.crt"),
		filepath.Join(c.DataDir, "server.crt"),
		filepath.Join(c.DataDir, "server.key")
}

// IdentityKeyPath returns the on-disk location of the node's persisted
// secp256k1 identity key.
func (c *Config) IdentityKeyPath() string {
	return filepath.Join(c.DataDir, "node.key")
}

// ConnManagerPath returns the LevelDB directory backing the node-connection
// manager's authorized-peer table and revoked-serial set.
func (c *Config) ConnManagerPath() string {
	return filepath.Join(c.DataDir, "peerstore")
}

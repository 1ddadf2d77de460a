// Package config loads and saves the YAML configuration of a mesh node and
// turns it into options for the store, the p2p stack and the service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/contentmesh/go-mesh/p2p"
	"github.com/contentmesh/go-mesh/service"
	"github.com/contentmesh/go-mesh/store"
)

// FileName is the name of the config file inside a node's root directory.
const FileName = "config.yaml"

// Config is the node configuration.
type Config struct {
	Network      NetworkConfig    `yaml:"network"`
	Capabilities CapabilityConfig `yaml:"capabilities"`
	Storage      StorageConfig    `yaml:"storage"`
	Service      ServiceConfig    `yaml:"service"`
	Log          LogConfig        `yaml:"log"`
	Metrics      bool             `yaml:"metrics"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	ID             string        `yaml:"id"`
	Listen         []string      `yaml:"listen"`
	Bootstrap      []string      `yaml:"bootstrap"`
	Relays         []string      `yaml:"relays"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ConnLowWater   int           `yaml:"conn_low_water"`
	ConnHighWater  int           `yaml:"conn_high_water"`
}

// CapabilityConfig switches the optional NAT traversal protocols.
type CapabilityConfig struct {
	AutoNAT      bool `yaml:"autonat"`
	RelayClient  bool `yaml:"relay_client"`
	RelayServer  bool `yaml:"relay_server"`
	HolePunching bool `yaml:"hole_punching"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	// Path of the on-disk datastore. Relative paths are resolved against the
	// directory of the config file.
	Path         string `yaml:"path"`
	CacheSize    int    `yaml:"cache_size"`
	MaxBlockSize int    `yaml:"max_block_size"`
}

// ServiceConfig configures the driving service loop.
type ServiceConfig struct {
	Topics        []string      `yaml:"topics"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	AnswerTimeout time.Duration `yaml:"answer_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a default configuration.
func Default() *Config {
	netp := p2p.DefaultParameters()
	storep := store.DefaultParameters()
	svcp := service.DefaultParameters()

	return &Config{
		Network: NetworkConfig{
			ID:             netp.NetworkID,
			Listen:         netp.ListenAddrs,
			Bootstrap:      []string{},
			Relays:         []string{},
			RequestTimeout: netp.RequestTimeout,
			PingInterval:   netp.PingInterval,
			ConnLowWater:   netp.ConnLowWater,
			ConnHighWater:  netp.ConnHighWater,
		},
		Capabilities: CapabilityConfig{
			AutoNAT:      netp.EnableAutoNAT,
			RelayClient:  netp.EnableRelayClient,
			RelayServer:  netp.EnableRelayServer,
			HolePunching: netp.EnableHolePunching,
		},
		Storage: StorageConfig{
			Path:         "datastore",
			CacheSize:    storep.StoreCacheSize,
			MaxBlockSize: storep.MaxBlockSize,
		},
		Service: ServiceConfig{
			Topics:        []string{},
			PollInterval:  svcp.PollInterval,
			AnswerTimeout: svcp.AnswerTimeout,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultRoot returns the default node root directory.
func DefaultRoot() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".mesh")
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	return filepath.Join(DefaultRoot(), FileName)
}

// Load reads the configuration at path. Fields absent from the file keep
// their defaults and a missing file yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.Storage.Path = filepath.Join(filepath.Dir(path), cfg.Storage.Path)
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if !filepath.IsAbs(cfg.Storage.Path) {
		cfg.Storage.Path = filepath.Join(filepath.Dir(path), cfg.Storage.Path)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section against the parameters of the component it
// configures.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: invalid storage path: empty")
	}
	for _, s := range c.Network.Listen {
		if _, err := ma.NewMultiaddr(s); err != nil {
			return fmt.Errorf("config: invalid listen address %q: %w", s, err)
		}
	}

	netp, err := c.P2PParameters()
	if err != nil {
		return err
	}
	if err := netp.Validate(); err != nil {
		return fmt.Errorf("config: network: %w", err)
	}
	storep := c.StoreParameters()
	if err := storep.Validate(); err != nil {
		return fmt.Errorf("config: storage: %w", err)
	}
	svcp := c.ServiceParameters()
	if err := svcp.Validate(); err != nil {
		return fmt.Errorf("config: service: %w", err)
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return lvl, fmt.Errorf("config: invalid log level: %w", err)
	}
	return lvl, nil
}

// P2PParameters converts the network and capability sections. Identity and
// datastore are not part of the file and stay unset.
func (c *Config) P2PParameters() (p2p.Parameters, error) {
	bootstrap, err := parseAddrInfos(c.Network.Bootstrap)
	if err != nil {
		return p2p.Parameters{}, fmt.Errorf("config: bootstrap: %w", err)
	}
	relays, err := parseAddrInfos(c.Network.Relays)
	if err != nil {
		return p2p.Parameters{}, fmt.Errorf("config: relays: %w", err)
	}

	params := p2p.DefaultParameters()
	params.NetworkID = c.Network.ID
	params.ListenAddrs = c.Network.Listen
	params.BootstrapPeers = bootstrap
	params.StaticRelays = relays
	params.RequestTimeout = c.Network.RequestTimeout
	params.PingInterval = c.Network.PingInterval
	params.ConnLowWater = c.Network.ConnLowWater
	params.ConnHighWater = c.Network.ConnHighWater
	params.EnableAutoNAT = c.Capabilities.AutoNAT
	params.EnableRelayClient = c.Capabilities.RelayClient
	params.EnableRelayServer = c.Capabilities.RelayServer
	params.EnableHolePunching = c.Capabilities.HolePunching
	return params, nil
}

// P2POptions returns the p2p stack options for the configuration.
func (c *Config) P2POptions() ([]p2p.Option, error) {
	params, err := c.P2PParameters()
	if err != nil {
		return nil, err
	}
	opts := []p2p.Option{p2p.WithParams(params)}
	if c.Metrics {
		opts = append(opts, p2p.WithMetrics())
	}
	return opts, nil
}

func (c *Config) StoreParameters() store.Parameters {
	params := store.DefaultParameters()
	params.StoreCacheSize = c.Storage.CacheSize
	params.MaxBlockSize = c.Storage.MaxBlockSize
	return params
}

// StoreOptions returns the content store options for the configuration.
func (c *Config) StoreOptions() []store.Option {
	opts := []store.Option{
		store.WithStoreCacheSize(c.Storage.CacheSize),
		store.WithMaxBlockSize(c.Storage.MaxBlockSize),
	}
	if c.Metrics {
		opts = append(opts, store.WithMetrics())
	}
	return opts
}

func (c *Config) ServiceParameters() service.Parameters {
	return service.Parameters{
		Topics:        c.Service.Topics,
		PollInterval:  c.Service.PollInterval,
		AnswerTimeout: c.Service.AnswerTimeout,
	}
}

// ServiceOptions returns the service options for the configuration.
func (c *Config) ServiceOptions() []service.Option {
	return []service.Option{service.WithParams(c.ServiceParameters())}
}

// parseAddrInfos groups p2p multiaddrs by peer.
func parseAddrInfos(addrs []string) ([]peer.AddrInfo, error) {
	if len(addrs) == 0 {
		return nil, nil
	}
	maddrs := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", s, err)
		}
		maddrs = append(maddrs, maddr)
	}
	return peer.AddrInfosFromP2pAddrs(maddrs...)
}

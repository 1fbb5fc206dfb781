package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"nhbchain/crypto"
	"nhbchain/params"
	"nhbchain/wire"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress         string   `toml:"ListenAddress"`
	RPCAddress            string   `toml:"RPCAddress"`
	DataDir               string   `toml:"DataDir"`
	GenesisFile           string   `toml:"GenesisFile"`
	ValidatorKeystorePath string   `toml:"ValidatorKeystorePath"`
	ValidatorKMSURI       string   `toml:"ValidatorKMSURI"`
	ValidatorKMSEnv       string   `toml:"ValidatorKMSEnv"`
	NetworkName           string   `toml:"NetworkName"`
	Bootnodes             []string `toml:"Bootnodes"`
	PersistentPeers       []string `toml:"PersistentPeers"`
	BootstrapPeers        []string `toml:"BootstrapPeers,omitempty"`

	// ServiceNodeNetwork selects the port-discipline and confirmation
	// policy a service node identity runs under: "main", "testnet", or
	// "regtest" (§3 port discipline). Empty defaults to "main".
	ServiceNodeNetwork string `toml:"ServiceNodeNetwork"`

	// Aliases is the local operator's set of service node identities,
	// keyed by a short operator-chosen name (e.g. "node1").
	Aliases map[string]AliasEntry `toml:"Aliases"`
}

// ResolveNetwork maps ServiceNodeNetwork onto the params.Network used by the
// registry and lifecycle packages, defaulting to mainnet.
func (c *Config) ResolveNetwork() (params.Network, error) {
	switch strings.ToLower(strings.TrimSpace(c.ServiceNodeNetwork)) {
	case "", "main", "mainnet":
		return params.Mainnet, nil
	case "testnet":
		return params.Testnet, nil
	case "regtest":
		return params.Regtest, nil
	default:
		return 0, fmt.Errorf("config: unknown service node network %q", c.ServiceNodeNetwork)
	}
}

// ResolvedAlias is an AliasEntry after its listen address, collateral
// outpoint, and private key have all been parsed and loaded from disk.
type ResolvedAlias struct {
	Name       string
	ListenAddr net.TCPAddr
	Collateral wire.Outpoint
	Key        *crypto.PrivateKey
}

// AliasNames returns the configured alias names in sorted order, the shape
// the svnodectl "list" subcommand reports.
func (c *Config) AliasNames() []string {
	names := make([]string, 0, len(c.Aliases))
	for name := range c.Aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAlias loads the named alias's key material and parses its listen
// address and collateral outpoint, ready to hand to localnode.New.
func (c *Config) ResolveAlias(name, passphrase string) (*ResolvedAlias, error) {
	entry, ok := c.Aliases[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown alias %q", name)
	}
	addr, err := net.ResolveTCPAddr("tcp", entry.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("config: alias %q listen address: %w", name, err)
	}
	outpoint, err := wire.ParseOutpointString(entry.Collateral)
	if err != nil {
		return nil, fmt.Errorf("config: alias %q collateral: %w", name, err)
	}
	key, err := crypto.LoadFromKeystore(entry.KeystorePath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("config: alias %q keystore: %w", name, err)
	}
	return &ResolvedAlias{Name: name, ListenAddr: *addr, Collateral: outpoint, Key: key}, nil
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "ValidatorKey" {
			return nil, fmt.Errorf("config file %s uses deprecated ValidatorKey field; run nhbctl migrate-keystore", path)
		}
	}

	if cfg.ValidatorKMSURI == "" && cfg.ValidatorKMSEnv == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "nhb-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	if len(cfg.Bootnodes) == 0 && len(cfg.BootstrapPeers) > 0 {
		cfg.Bootnodes = append([]string{}, cfg.BootstrapPeers...)
	}
	cfg.BootstrapPeers = nil
	if cfg.Aliases == nil {
		cfg.Aliases = map[string]AliasEntry{}
	}
	if _, err := cfg.ResolveNetwork(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ValidatorKeystorePath != keystorePath {
		cfg.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress:      ":6001",
		RPCAddress:         ":8080",
		DataDir:            "./nhb-data",
		GenesisFile:        "",
		NetworkName:        "nhb-local",
		Bootnodes:          []string{},
		PersistentPeers:    []string{},
		ServiceNodeNetwork: "main",
		Aliases:            map[string]AliasEntry{},
	}
	cfg.ValidatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}

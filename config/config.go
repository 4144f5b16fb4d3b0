package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the casperod service configuration.
type Config struct {
	RPCAddress      string `toml:"RPCAddress"`
	DataDir         string `toml:"DataDir"`
	Environment     string `toml:"Environment"`
	OwnerAddress    string `toml:"OwnerAddress"`
	VaultAddress    string `toml:"VaultAddress"`
	StakingEndpoint string `toml:"StakingEndpoint"`
	LogFile         string `toml:"LogFile"`
	LogMaxSizeMB    int    `toml:"LogMaxSizeMB"`
	LogMaxBackups   int    `toml:"LogMaxBackups"`
	LogMaxAgeDays   int    `toml:"LogMaxAgeDays"`
}

const defaultConfig = `RPCAddress = "127.0.0.1:8645"
DataDir = "./caspero-data"
Environment = ""
OwnerAddress = ""
VaultAddress = "00000000000000000000000000000000000000ff"
StakingEndpoint = ""
LogFile = ""
LogMaxSizeMB = 100
LogMaxBackups = 3
LogMaxAgeDays = 28
`

// Load reads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s contains unknown keys: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks addresses and required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCAddress) == "" {
		return fmt.Errorf("config: RPCAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if _, err := parseOptionalAddress(c.OwnerAddress); err != nil {
		return fmt.Errorf("config: OwnerAddress: %w", err)
	}
	vault, err := parseOptionalAddress(c.VaultAddress)
	if err != nil {
		return fmt.Errorf("config: VaultAddress: %w", err)
	}
	if vault == ([20]byte{}) {
		return fmt.Errorf("config: VaultAddress is required")
	}
	return nil
}

// Owner returns the configured admin address; zero when unset.
func (c *Config) Owner() [20]byte {
	addr, _ := parseOptionalAddress(c.OwnerAddress)
	return addr
}

// Vault returns the configured custody purse address.
func (c *Config) Vault() [20]byte {
	addr, _ := parseOptionalAddress(c.VaultAddress)
	return addr
}

func parseOptionalAddress(raw string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return out, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, err
	}
	if len(decoded) != 20 {
		return out, fmt.Errorf("expected 20 bytes, got %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfig), 0o600)
}

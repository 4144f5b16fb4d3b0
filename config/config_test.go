package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:8645" {
		t.Fatalf("rpc address = %q", cfg.RPCAddress)
	}
	if cfg.Vault() == ([20]byte{}) {
		t.Fatal("default vault address must parse to a non-zero address")
	}
	if cfg.Owner() != ([20]byte{}) {
		t.Fatal("owner must default to unset")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesAddresses(t *testing.T) {
	path := writeConfig(t, `RPCAddress = "0.0.0.0:9000"
DataDir = "/var/lib/caspero"
OwnerAddress = "0x0101010101010101010101010101010101010101"
VaultAddress = "0202020202020202020202020202020202020202"
StakingEndpoint = "http://localhost:7777"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	owner := cfg.Owner()
	if owner[0] != 0x01 || owner[19] != 0x01 {
		t.Fatalf("owner = %x", owner)
	}
	vault := cfg.Vault()
	if vault[0] != 0x02 {
		t.Fatalf("vault = %x", vault)
	}
	if cfg.StakingEndpoint != "http://localhost:7777" {
		t.Fatalf("staking endpoint = %q", cfg.StakingEndpoint)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown key": `RPCAddress = "127.0.0.1:8645"
DataDir = "./data"
VaultAddress = "00000000000000000000000000000000000000ff"
RPCAdress = "typo"
`,
		"missing rpc address": `DataDir = "./data"
VaultAddress = "00000000000000000000000000000000000000ff"
`,
		"missing vault": `RPCAddress = "127.0.0.1:8645"
DataDir = "./data"
`,
		"malformed owner": `RPCAddress = "127.0.0.1:8645"
DataDir = "./data"
OwnerAddress = "0xnothex"
VaultAddress = "00000000000000000000000000000000000000ff"
`,
		"short vault": `RPCAddress = "127.0.0.1:8645"
DataDir = "./data"
VaultAddress = "0xabcd"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected load to fail")
			}
		})
	}
}

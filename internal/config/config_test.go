package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/kledx/shll-sub001/internal/errors"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policyguard.json")
	content := `{
		"storage": {"driver": "redis", "redis": {"address": "127.0.0.1:6379"}},
		"web3": {"oracle": "ethereum", "chains_file": "chains.yaml", "chain": "bsc"},
		"logging": {"audit": {"enabled": true}},
		"bootstrap": "bootstrap.yaml"
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.CommitWindowSeconds != 120 {
		t.Fatalf("unexpected server defaults %+v", cfg.Server)
	}
	if cfg.Storage.Driver != "redis" || cfg.Storage.Redis.Namespace != "policyguard" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Web3.ChainsFile != filepath.Join(dir, "chains.yaml") || cfg.Bootstrap != filepath.Join(dir, "bootstrap.yaml") {
		t.Fatalf("relative paths should resolve against the config dir: %q %q", cfg.Web3.ChainsFile, cfg.Bootstrap)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.Events.Redis.List != "policyguard:events" || cfg.Metrics.Address != ":9090" {
		t.Fatalf("unexpected events/metrics defaults %+v %+v", cfg.Events, cfg.Metrics)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPathPrefersEnvironment(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/policyguard/custom.json")
	if got := Path(); got != "/etc/policyguard/custom.json" {
		t.Fatalf("unexpected path %q", got)
	}
	t.Setenv(EnvConfigPath, "")
	if got := Path(); got != filepath.FromSlash(DefaultConfigPath) {
		t.Fatalf("unexpected default path %q", got)
	}
}

func TestIdentityResolve(t *testing.T) {
	cfg := IdentityConfig{
		Authority: "0x00000000000000000000000000000000000a0001",
		Relay:     "0x00000000000000000000000000000000000a0004",
		Self:      "0x00000000000000000000000000000000000a0005",
	}
	authority, ids, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if authority != common.HexToAddress(cfg.Authority) || ids.Relay != common.HexToAddress(cfg.Relay) {
		t.Fatalf("unexpected identities %s %+v", authority.Hex(), ids)
	}
	if ids.Binder != (common.Address{}) || ids.NFA != (common.Address{}) {
		t.Fatalf("optional identities should stay zero: %+v", ids)
	}

	cfg.Relay = ""
	if _, _, err := cfg.Resolve(); err == nil {
		t.Fatalf("expected error for missing relay")
	}

	zero := "0x0000000000000000000000000000000000000000"
	for name, mutate := range map[string]func(*IdentityConfig){
		"authority": func(c *IdentityConfig) { c.Authority = zero },
		"relay":     func(c *IdentityConfig) { c.Relay = zero },
		"self":      func(c *IdentityConfig) { c.Self = zero },
	} {
		c := IdentityConfig{
			Authority: "0x00000000000000000000000000000000000a0001",
			Relay:     "0x00000000000000000000000000000000000a0004",
			Self:      "0x00000000000000000000000000000000000a0005",
		}
		mutate(&c)
		if _, _, err := c.Resolve(); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
			t.Fatalf("%s: expected INVALID_ARGUMENT for zero address, got %v", name, err)
		}
	}
}

func TestShippedConfigsLoad(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "policyguard.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if _, _, err := cfg.Identities.Resolve(); err != nil {
		t.Fatalf("shipped identities: %v", err)
	}
	boot, err := LoadBootstrap(cfg.Bootstrap)
	if err != nil {
		t.Fatalf("load shipped bootstrap: %v", err)
	}
	if len(boot.Templates) != 1 || len(boot.Templates[0].Plugins) != 6 {
		t.Fatalf("unexpected bootstrap %+v", boot.Templates)
	}
}

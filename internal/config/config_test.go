package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfigYAML() string {
	return `
netuid: 7
subtensor:
  chain_endpoint: ws://127.0.0.1:9944
wallet:
  name: default
  hotkey: default
port: 8080
compression:
  engine: zlib
scoring:
  book_count: 4
  max_instructions_per_book: 16
  sharpe:
    lookback: 100
    normalization_min: -2
    normalization_max: 2
  activity:
    capital_turnover_cap: 10
  min_delay: 1ms
  max_delay: 1s
  min_instruction_delay: 0s
  max_instruction_delay: 5ms
rewarding:
  pareto:
    shape: 2
`
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfigFile(t, validConfigYAML())

	v := viper.New()
	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.NetUID != 7 {
		t.Errorf("NetUID = %d, want 7", cfg.NetUID)
	}
	if cfg.Scoring.Sharpe.Lookback != 100 {
		t.Errorf("Scoring.Sharpe.Lookback = %d, want 100", cfg.Scoring.Sharpe.Lookback)
	}
}

func TestValidateRejectsMissingChainEndpoint(t *testing.T) {
	cfg := &Config{Wallet: WalletConfig{Name: "x", Hotkey: "y"}, Port: 1, Compression: CompressionConfig{Engine: "zlib"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing chain endpoint")
	}
}

func TestValidateRejectsBadDelayRange(t *testing.T) {
	path := writeConfigFile(t, validConfigYAML())
	v := viper.New()
	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Scoring.MinDelay = 10
	cfg.Scoring.MaxDelay = 5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for max_delay < min_delay")
	}
}

func TestBindFlagsOverridesConfigFile(t *testing.T) {
	path := writeConfigFile(t, validConfigYAML())

	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(fs, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse([]string{"--netuid=99"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NetUID != 99 {
		t.Fatalf("expected flag override netuid=99, got %d", cfg.NetUID)
	}
}

func TestLoadMissingFileUsesFlagDefaults(t *testing.T) {
	v := viper.New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := BindFlags(fs, v); err != nil {
		t.Fatalf("BindFlags: %v", err)
	}
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(v, filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
}

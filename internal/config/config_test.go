package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("output: plain\nretries: 1\nnetwork: base\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CONTRAPARTY_OUTPUT", "json")
	t.Setenv("CONTRAPARTY_NETWORK", "ethereum")
	flags := GlobalFlags{ConfigPath: configPath, EnvFile: filepath.Join(tmp, "missing.env"), Plain: true, Retries: 5}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.Network != "ethereum" {
		t.Fatalf("expected env network to beat file, got %s", settings.Network)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	_, err := Load(GlobalFlags{JSON: true, Plain: true, Retries: -1})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadDefaults(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CACHE_HOME", tmp)
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "none.yaml"), EnvFile: filepath.Join(tmp, "none.env"), Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.RefreshInterval != 30*time.Second || settings.Debounce != 220*time.Millisecond {
		t.Fatalf("unexpected quote timings %s %s", settings.RefreshInterval, settings.Debounce)
	}
	if settings.SlippageMode != "auto" || settings.CustomSlippage != "0.50" {
		t.Fatalf("unexpected slippage defaults %s %s", settings.SlippageMode, settings.CustomSlippage)
	}
	if settings.CachePath != filepath.Join(tmp, "contraparty", "cache.db") {
		t.Fatalf("unexpected cache path %s", settings.CachePath)
	}
}

func TestEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, ".env")
	body := "CONTRAPARTY_RECIPIENT=0x0000000000000000000000000000000000000002\nCONTRAPARTY_LOG_LEVEL=debug\n"
	if err := os.WriteFile(envPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("CONTRAPARTY_LOG_LEVEL", "error")
	// Registered with t.Setenv so the value loaded from the file is cleaned up.
	t.Setenv("CONTRAPARTY_RECIPIENT", "")
	os.Unsetenv("CONTRAPARTY_RECIPIENT")

	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "none.yaml"), EnvFile: envPath, Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.LogLevel != "error" {
		t.Fatalf("expected process env to win, got %s", settings.LogLevel)
	}
	if settings.Recipient != "0x0000000000000000000000000000000000000002" {
		t.Fatalf("expected recipient from env file, got %s", settings.Recipient)
	}
}

func TestCustomSlippageFlagImpliesCustomMode(t *testing.T) {
	tmp := t.TempDir()
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(tmp, "none.yaml"), EnvFile: filepath.Join(tmp, "none.env"), CustomSlippage: "1.25", Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.SlippageMode != "custom" || settings.CustomSlippage != "1.25" {
		t.Fatalf("unexpected slippage %s %s", settings.SlippageMode, settings.CustomSlippage)
	}
}

func TestFileConfigNestedSections(t *testing.T) {
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	body := `
slippage:
  mode: "1"
quotes:
  debounce: 0s
  refresh_interval: 5s
providers:
  kyber:
    base_url: http://127.0.0.1:9999
rpc_urls: ["https://rpc.example"]
wallet:
  key_source: Keystore
`
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err := Load(GlobalFlags{ConfigPath: configPath, EnvFile: filepath.Join(tmp, "none.env"), Retries: -1})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.SlippageMode != "1" || settings.Debounce != 0 || settings.RefreshInterval != 5*time.Second {
		t.Fatalf("unexpected settings %+v", settings)
	}
	if settings.KyberAPIBaseURL != "http://127.0.0.1:9999" || len(settings.RPCURLs) != 1 {
		t.Fatalf("unexpected provider settings %+v", settings)
	}
	if settings.KeySource != "keystore" {
		t.Fatalf("expected keystore key source, got %q", settings.KeySource)
	}
}

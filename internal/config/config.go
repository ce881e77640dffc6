package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CONTRAPARTY_"

type GlobalFlags struct {
	ConfigPath        string
	EnvFile           string
	JSON              bool
	Plain             bool
	Select            string
	ResultsOnly       bool
	EnableCommands    string
	Timeout           string
	Retries           int
	RequestsPerSecond float64
	NoCache           bool
	Network           string
	NetworksPath      string
	RPCURLs           []string
	Slippage          string
	CustomSlippage    string
	Recipient         string
	LogLevel          string
	LogFormat         string
	KeySource         string
}

type Settings struct {
	OutputMode        string
	SelectFields      []string
	ResultsOnly       bool
	EnableCommands    []string
	Timeout           time.Duration
	Retries           int
	RequestsPerSecond float64
	CacheEnabled      bool
	CachePath         string
	CacheLockPath     string
	TokenCacheTTL     time.Duration
	ActionStorePath   string
	ActionLockPath    string
	Network           string
	NetworksPath      string
	RPCURLs           []string
	SlippageMode      string
	CustomSlippage    string
	Recipient         string
	LogLevel          string
	LogFormat         string
	RefreshInterval   time.Duration
	Debounce          time.Duration
	ReceiptTimeout    time.Duration
	ReceiptPoll       time.Duration
	CowAPIBaseURL     string
	KyberAPIBaseURL   string
	KeySource         string
}

type fileConfig struct {
	Output            string   `yaml:"output"`
	Timeout           string   `yaml:"timeout"`
	Retries           *int     `yaml:"retries"`
	RequestsPerSecond *float64 `yaml:"requests_per_second"`
	Network           string   `yaml:"network"`
	NetworksPath      string   `yaml:"networks_path"`
	RPCURLs           []string `yaml:"rpc_urls"`
	Recipient         string   `yaml:"recipient"`
	Slippage          struct {
		Mode   string `yaml:"mode"`
		Custom string `yaml:"custom"`
	} `yaml:"slippage"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Quotes struct {
		RefreshInterval string `yaml:"refresh_interval"`
		Debounce        string `yaml:"debounce"`
	} `yaml:"quotes"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"cache"`
	Execution struct {
		ActionsPath     string `yaml:"actions_path"`
		ActionsLockPath string `yaml:"actions_lock_path"`
		ReceiptTimeout  string `yaml:"receipt_timeout"`
		ReceiptPoll     string `yaml:"receipt_poll"`
	} `yaml:"execution"`
	Wallet struct {
		KeySource string `yaml:"key_source"`
	} `yaml:"wallet"`
	Providers struct {
		Cow struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"cow"`
		Kyber struct {
			BaseURL string `yaml:"base_url"`
		} `yaml:"kyber"`
	} `yaml:"providers"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}
	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.RequestsPerSecond < 0 {
		settings.RequestsPerSecond = 0
	}
	if settings.RefreshInterval <= 0 {
		settings.RefreshInterval = 30 * time.Second
	}
	if settings.Debounce < 0 {
		settings.Debounce = 220 * time.Millisecond
	}
	if settings.SlippageMode == "" {
		settings.SlippageMode = "auto"
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	cacheDir := filepath.Dir(cachePath)
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		RequestsPerSecond: 8,
		CacheEnabled:      true,
		CachePath:         cachePath,
		CacheLockPath:     lockPath,
		TokenCacheTTL:     7 * 24 * time.Hour,
		ActionStorePath:   filepath.Join(cacheDir, "actions.db"),
		ActionLockPath:    filepath.Join(cacheDir, "actions.lock"),
		SlippageMode:      "auto",
		CustomSlippage:    "0.50",
		LogLevel:          "warn",
		LogFormat:         "terminal",
		RefreshInterval:   30 * time.Second,
		Debounce:          220 * time.Millisecond,
		ReceiptTimeout:    3 * time.Minute,
		ReceiptPoll:       2 * time.Second,
		KeySource:         "auto",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "contraparty", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "contraparty")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

// loadEnvFile reads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(&settings.Timeout, cfg.Timeout, "config timeout"); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RequestsPerSecond != nil {
		settings.RequestsPerSecond = *cfg.RequestsPerSecond
	}
	if cfg.Network != "" {
		settings.Network = strings.ToLower(cfg.Network)
	}
	if cfg.NetworksPath != "" {
		settings.NetworksPath = cfg.NetworksPath
	}
	if len(cfg.RPCURLs) > 0 {
		settings.RPCURLs = cfg.RPCURLs
	}
	if cfg.Recipient != "" {
		settings.Recipient = cfg.Recipient
	}
	if cfg.Slippage.Mode != "" {
		settings.SlippageMode = cfg.Slippage.Mode
	}
	if cfg.Slippage.Custom != "" {
		settings.CustomSlippage = cfg.Slippage.Custom
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	if err := setDuration(&settings.RefreshInterval, cfg.Quotes.RefreshInterval, "config quotes.refresh_interval"); err != nil {
		return err
	}
	if err := setDuration(&settings.Debounce, cfg.Quotes.Debounce, "config quotes.debounce"); err != nil {
		return err
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := setDuration(&settings.TokenCacheTTL, cfg.Cache.TokenTTL, "config cache.token_ttl"); err != nil {
		return err
	}
	if cfg.Execution.ActionsPath != "" {
		settings.ActionStorePath = cfg.Execution.ActionsPath
	}
	if cfg.Execution.ActionsLockPath != "" {
		settings.ActionLockPath = cfg.Execution.ActionsLockPath
	}
	if err := setDuration(&settings.ReceiptTimeout, cfg.Execution.ReceiptTimeout, "config execution.receipt_timeout"); err != nil {
		return err
	}
	if err := setDuration(&settings.ReceiptPoll, cfg.Execution.ReceiptPoll, "config execution.receipt_poll"); err != nil {
		return err
	}
	if cfg.Wallet.KeySource != "" {
		settings.KeySource = strings.ToLower(cfg.Wallet.KeySource)
	}
	if cfg.Providers.Cow.BaseURL != "" {
		settings.CowAPIBaseURL = cfg.Providers.Cow.BaseURL
	}
	if cfg.Providers.Kyber.BaseURL != "" {
		settings.KyberAPIBaseURL = cfg.Providers.Kyber.BaseURL
	}

	return nil
}

func setDuration(dst *time.Duration, raw, label string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	*dst = d
	return nil
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

func applyEnv(settings *Settings) {
	if v := getenv("OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := getenv("TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := getenv("RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := getenv("RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.RequestsPerSecond = f
		}
	}
	if v := getenv("NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := getenv("CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := getenv("CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := getenv("ACTIONS_PATH"); v != "" {
		settings.ActionStorePath = v
	}
	if v := getenv("ACTIONS_LOCK_PATH"); v != "" {
		settings.ActionLockPath = v
	}
	if v := getenv("NETWORK"); v != "" {
		settings.Network = strings.ToLower(v)
	}
	if v := getenv("NETWORKS_PATH"); v != "" {
		settings.NetworksPath = v
	}
	if v := getenv("RPC_URLS"); v != "" {
		settings.RPCURLs = splitList(v)
	}
	if v := getenv("SLIPPAGE"); v != "" {
		settings.SlippageMode = v
	}
	if v := getenv("CUSTOM_SLIPPAGE"); v != "" {
		settings.CustomSlippage = v
	}
	if v := getenv("RECIPIENT"); v != "" {
		settings.Recipient = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := getenv("LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	if v := getenv("COW_API_URL"); v != "" {
		settings.CowAPIBaseURL = v
	}
	if v := getenv("KYBER_API_URL"); v != "" {
		settings.KyberAPIBaseURL = v
	}
	if v := getenv("KEY_SOURCE"); v != "" {
		settings.KeySource = strings.ToLower(v)
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly

	if strings.TrimSpace(flags.EnableCommands) != "" {
		settings.EnableCommands = splitList(flags.EnableCommands)
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.RequestsPerSecond > 0 {
		settings.RequestsPerSecond = flags.RequestsPerSecond
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if v := strings.TrimSpace(flags.Network); v != "" {
		settings.Network = strings.ToLower(v)
	}
	if v := strings.TrimSpace(flags.NetworksPath); v != "" {
		settings.NetworksPath = v
	}
	if len(flags.RPCURLs) > 0 {
		settings.RPCURLs = flags.RPCURLs
	}
	if v := strings.TrimSpace(flags.Slippage); v != "" {
		settings.SlippageMode = v
	}
	if v := strings.TrimSpace(flags.CustomSlippage); v != "" {
		settings.CustomSlippage = v
		if flags.Slippage == "" {
			settings.SlippageMode = "custom"
		}
	}
	if v := strings.TrimSpace(flags.Recipient); v != "" {
		settings.Recipient = v
	}
	if v := strings.TrimSpace(flags.LogLevel); v != "" {
		settings.LogLevel = v
	}
	if v := strings.TrimSpace(flags.LogFormat); v != "" {
		settings.LogFormat = v
	}
	if v := strings.TrimSpace(flags.KeySource); v != "" {
		settings.KeySource = strings.ToLower(v)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

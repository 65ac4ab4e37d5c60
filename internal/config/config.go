// Package config loads the relay's settings from an optional YAML file and
// the environment. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ksred/signal-relay/internal/accounts"
)

const (
	BrokerModeTradeLocker = "tradelocker"
	BrokerModeSimulator   = "simulator"
)

// Config is the top-level configuration
type Config struct {
	Server   Server   `yaml:"server"`
	Storage  Storage  `yaml:"storage"`
	Broker   Broker   `yaml:"broker"`
	Notify   Notify   `yaml:"notify"`
	Operator Operator `yaml:"operator"`
}

// Server holds listener settings
type Server struct {
	Port          int    `yaml:"port"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Storage holds the trade database location
type Storage struct {
	DBFile string `yaml:"db_file"`
}

// Broker holds brokerage endpoints, account sources and timeouts
type Broker struct {
	Mode             string        `yaml:"mode"`
	Environment      string        `yaml:"environment"`
	Server           string        `yaml:"server"`
	AccountsFile     string        `yaml:"accounts_file"`
	AccountsJSON     string        `yaml:"-"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`
	RefreshMargin    time.Duration `yaml:"refresh_margin"`
	MinGap           time.Duration `yaml:"min_gap"`
	FillPollInterval time.Duration `yaml:"fill_poll_interval"`
}

// Notify configures the human-readable summary sink
type Notify struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Operator configures the credentials that unlock the debug routes. An empty
// APIKey leaves the debug routes open.
type Operator struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Default returns a configuration with the production defaults
func Default() *Config {
	return &Config{
		Server:  Server{Port: 3000},
		Storage: Storage{DBFile: "trades.db"},
		Broker: Broker{
			Mode:             BrokerModeTradeLocker,
			Environment:      "https://demo.tradelocker.com",
			Server:           "HEROFX",
			CallTimeout:      10 * time.Second,
			DispatchTimeout:  30 * time.Second,
			RefreshMargin:    60 * time.Second,
			MinGap:           400 * time.Millisecond,
			FillPollInterval: 30 * time.Second,
		},
		Notify: Notify{Timeout: 5 * time.Second},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment overrides. The result is validated.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	if v := os.Getenv("DB_FILE"); v != "" {
		cfg.Storage.DBFile = v
	}

	if v := os.Getenv("BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Broker.Environment = v
	}
	if v := os.Getenv("SERVER"); v != "" {
		cfg.Broker.Server = v
	}
	if v := os.Getenv("ACCOUNTS_FILE"); v != "" {
		cfg.Broker.AccountsFile = v
	}
	if v := os.Getenv("ACCOUNTS_JSON"); v != "" {
		cfg.Broker.AccountsJSON = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"CALL_TIMEOUT", &cfg.Broker.CallTimeout},
		{"DISPATCH_TIMEOUT", &cfg.Broker.DispatchTimeout},
		{"TOKEN_REFRESH_MARGIN", &cfg.Broker.RefreshMargin},
		{"BROKER_MIN_GAP", &cfg.Broker.MinGap},
		{"FILL_POLL_INTERVAL", &cfg.Broker.FillPollInterval},
		{"NOTIFY_TIMEOUT", &cfg.Notify.Timeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("OPERATOR_API_KEY"); v != "" {
		cfg.Operator.APIKey = v
	}
	if v := os.Getenv("OPERATOR_API_SECRET"); v != "" {
		cfg.Operator.APISecret = v
	}
	if v := os.Getenv("OPERATOR_JWT_SECRET"); v != "" {
		cfg.Operator.JWTSecret = v
	}
	return nil
}

// Validate checks if the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Storage.DBFile == "" {
		return fmt.Errorf("storage.db_file is required")
	}
	if c.Broker.Mode != BrokerModeTradeLocker && c.Broker.Mode != BrokerModeSimulator {
		return fmt.Errorf("broker.mode must be '%s' or '%s'", BrokerModeTradeLocker, BrokerModeSimulator)
	}
	if c.Broker.Environment == "" {
		return fmt.Errorf("broker.environment is required")
	}
	if c.Broker.AccountsFile == "" && c.Broker.AccountsJSON == "" {
		return fmt.Errorf("one of broker.accounts_file or ACCOUNTS_JSON is required")
	}
	if c.Broker.CallTimeout <= 0 {
		return fmt.Errorf("broker.call_timeout must be positive")
	}
	if c.Broker.DispatchTimeout < c.Broker.CallTimeout {
		return fmt.Errorf("broker.dispatch_timeout must not be shorter than broker.call_timeout")
	}
	if c.Broker.RefreshMargin < 0 {
		return fmt.Errorf("broker.refresh_margin must not be negative")
	}
	if c.Broker.FillPollInterval < 0 {
		return fmt.Errorf("broker.fill_poll_interval must not be negative")
	}
	if c.Operator.APIKey != "" && (c.Operator.APISecret == "" || c.Operator.JWTSecret == "") {
		return fmt.Errorf("operator.api_secret and operator.jwt_secret are required when operator.api_key is set")
	}
	return nil
}

// LoadAccounts builds the account registry from the file if configured,
// otherwise from ACCOUNTS_JSON.
func (c *Config) LoadAccounts() (*accounts.Registry, error) {
	defaults := accounts.Defaults{Environment: c.Broker.Environment, Server: c.Broker.Server}
	if c.Broker.AccountsFile != "" {
		return accounts.LoadFromFile(c.Broker.AccountsFile, defaults)
	}
	return accounts.LoadFromJSON([]byte(c.Broker.AccountsJSON), defaults)
}

// DebugProtected reports whether operator auth guards the debug routes
func (c *Config) DebugProtected() bool {
	return c.Operator.APIKey != ""
}

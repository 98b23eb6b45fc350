package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"smartconnect/endpoint"
	"smartconnect/handshake"
	"smartconnect/probing"
)

type Config struct {
	LogLevel      string `toml:"log_level"`
	LogDir        string `toml:"log_dir"`
	ClientVersion string `toml:"client_version"`

	Handshake    HandshakeConfig    `toml:"handshake"`
	SmartConnect SmartConnectConfig `toml:"smart_connect"`
	Storage      StorageConfig      `toml:"storage"`
	Session      SessionConfig      `toml:"session"`
}

type HandshakeConfig struct {
	Primary          string `toml:"primary"`
	Secondary        string `toml:"secondary"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms"`
	ReadTimeoutMs    int    `toml:"read_timeout_ms"`
	WriteTimeoutMs   int    `toml:"write_timeout_ms"`
}

type SmartConnectConfig struct {
	Strategy       string `toml:"strategy"`
	ProbeBudgetMs  int    `toml:"probe_budget_ms"`
	ProbeTimeoutMs int    `toml:"probe_timeout_ms"`
	MaxConcurrency int    `toml:"max_concurrency"`
	TestURL        string `toml:"test_url"`
	AutoReset      bool   `toml:"auto_reset"`
	OnStart        bool   `toml:"on_start"` // run smart connect once the handshake has finished
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

type SessionConfig struct {
	Command        string   `toml:"command"` // empty runs without a core
	Args           []string `toml:"args"`
	StartupGraceMs int      `toml:"startup_grace_ms"`
}

// LoadConfig loads configuration from the specified TOML file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "smartconnect.toml"
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	var cfg Config
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "0.0.0"
	}
	if c.Handshake.ConnectTimeoutMs == 0 {
		c.Handshake.ConnectTimeoutMs = 5000
	}
	if c.Handshake.ReadTimeoutMs == 0 {
		c.Handshake.ReadTimeoutMs = 5000
	}
	if c.Handshake.WriteTimeoutMs == 0 {
		c.Handshake.WriteTimeoutMs = 5000
	}
	if c.SmartConnect.Strategy == "" {
		c.SmartConnect.Strategy = string(probing.StrategyTCP)
	}
	if c.SmartConnect.ProbeBudgetMs == 0 {
		c.SmartConnect.ProbeBudgetMs = 3000
	}
	if c.SmartConnect.TestURL == "" {
		c.SmartConnect.TestURL = probing.DefaultTestURL
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "./data"
	}
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.Handshake.Primary == "" {
		return fmt.Errorf("handshake.primary is required in config file")
	}
	if _, err := endpoint.Parse(c.Handshake.Primary); err != nil {
		return fmt.Errorf("handshake.primary: %w", err)
	}
	if c.Handshake.Secondary != "" {
		if _, err := endpoint.Parse(c.Handshake.Secondary); err != nil {
			return fmt.Errorf("handshake.secondary: %w", err)
		}
	}
	if c.Handshake.ConnectTimeoutMs < 0 || c.Handshake.ReadTimeoutMs < 0 || c.Handshake.WriteTimeoutMs < 0 {
		return fmt.Errorf("handshake timeouts must not be negative")
	}
	if _, err := probing.ParseStrategy(c.SmartConnect.Strategy); err != nil {
		return fmt.Errorf("smart_connect.strategy: %w", err)
	}
	if c.SmartConnect.ProbeBudgetMs < 0 || c.SmartConnect.ProbeTimeoutMs < 0 {
		return fmt.Errorf("smart_connect probe durations must not be negative")
	}
	if c.SmartConnect.MaxConcurrency < 0 {
		return fmt.Errorf("smart_connect.max_concurrency must not be negative")
	}
	return nil
}

// HandshakeEndpoints returns the parsed primary and, when configured, secondary endpoint
func (c *Config) HandshakeEndpoints() (endpoint.Endpoint, *endpoint.Endpoint, error) {
	primary, err := endpoint.Parse(c.Handshake.Primary)
	if err != nil {
		return endpoint.Endpoint{}, nil, err
	}
	if c.Handshake.Secondary == "" {
		return primary, nil, nil
	}
	secondary, err := endpoint.Parse(c.Handshake.Secondary)
	if err != nil {
		return endpoint.Endpoint{}, nil, err
	}
	return primary, &secondary, nil
}

func (c *Config) ProbeBudget() time.Duration {
	return time.Duration(c.SmartConnect.ProbeBudgetMs) * time.Millisecond
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.SmartConnect.ProbeTimeoutMs) * time.Millisecond
}

func (c *Config) StartupGrace() time.Duration {
	return time.Duration(c.Session.StartupGraceMs) * time.Millisecond
}

func (c *Config) HandshakeTimeouts() handshake.Timeouts {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return handshake.Timeouts{
		Connect: ms(c.Handshake.ConnectTimeoutMs),
		Read:    ms(c.Handshake.ReadTimeoutMs),
		Write:   ms(c.Handshake.WriteTimeoutMs),
	}
}

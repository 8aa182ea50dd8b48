// Package config loads and validates the bridge service configuration from
// TOML.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress           string    `toml:"ListenAddress"`
	DataDir                 string    `toml:"DataDir"`
	KeystorePath            string    `toml:"KeystorePath"`
	OperatorKeyName         string    `toml:"OperatorKeyName"`
	Network                 string    `toml:"Network"`
	BroadcastURL            string    `toml:"BroadcastURL"`
	RedemptionsEnabled      bool      `toml:"RedemptionsEnabled"`
	QuoteTTLSeconds         uint64    `toml:"QuoteTTLSeconds"`
	BroadcastTimeoutSeconds uint64    `toml:"BroadcastTimeoutSeconds"`
	FeeSats                 int64     `toml:"FeeSats"`
	MinRedeemBloom          int64     `toml:"MinRedeemBloom"`
	MaxRedeemBloom          int64     `toml:"MaxRedeemBloom"`
	RateLimit               RateLimit `toml:"RateLimit"`
	Reserve                 Reserve   `toml:"Reserve"`
	Log                     Log       `toml:"Log"`
}

// RateLimit bounds redemption request frequency per requester address.
type RateLimit struct {
	MaxRequests   int    `toml:"MaxRequests"`
	WindowSeconds uint64 `toml:"WindowSeconds"`
}

// Reserve configures the attestation feed trust anchor and freshness policy.
type Reserve struct {
	AttesterAddress string `toml:"AttesterAddress"`
	MaxAgeSeconds   uint64 `toml:"MaxAgeSeconds"`
	AlertBps        int64  `toml:"AlertBps"`
}

// Log configures structured logging and optional file rotation.
type Log struct {
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(path string) {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8475"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./bridge-data"
	}
	if strings.TrimSpace(c.KeystorePath) == "" {
		c.KeystorePath = defaultKeystorePath(path)
	}
	if strings.TrimSpace(c.OperatorKeyName) == "" {
		c.OperatorKeyName = "operator"
	}
	if strings.TrimSpace(c.Network) == "" {
		c.Network = "testnet"
	}
	if c.QuoteTTLSeconds == 0 {
		c.QuoteTTLSeconds = 24 * 60 * 60
	}
	if c.BroadcastTimeoutSeconds == 0 {
		c.BroadcastTimeoutSeconds = 30
	}
	if c.FeeSats == 0 {
		c.FeeSats = 1000
	}
	if c.MinRedeemBloom == 0 {
		c.MinRedeemBloom = 1
	}
	if c.RateLimit.MaxRequests == 0 {
		c.RateLimit.MaxRequests = 10
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60 * 60
	}
	if c.Reserve.MaxAgeSeconds == 0 {
		c.Reserve.MaxAgeSeconds = 30 * 60
	}
	if c.Reserve.AlertBps == 0 {
		c.Reserve.AlertBps = 9500
	}
}

// QuoteTTL returns the HTLC quote lifetime as a duration.
func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.QuoteTTLSeconds) * time.Second
}

// BroadcastTimeout returns the per-broadcast deadline as a duration.
func (c *Config) BroadcastTimeout() time.Duration {
	return time.Duration(c.BroadcastTimeoutSeconds) * time.Second
}

// RateLimitWindow returns the limiter window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// ReserveMaxAge returns the attestation freshness threshold as a duration.
func (c *Config) ReserveMaxAge() time.Duration {
	return time.Duration(c.Reserve.MaxAgeSeconds) * time.Second
}

// DatabasePath returns the bbolt file location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "bridge.db")
}

// createDefault creates and saves a default configuration file. Redemptions
// start disabled; the operator flips the switch after provisioning the
// keystore and attester.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)
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
	return filepath.Join(dir, "operator.keystore")
}

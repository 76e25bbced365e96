package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/synochain/synochain/internal/hash"
	"github.com/synochain/synochain/internal/ledger"
	"github.com/synochain/synochain/internal/storage"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Storage StorageConfig `mapstructure:"storage"`
	Verify  VerifyConfig  `mapstructure:"verify"`
	Alerts  AlertsConfig  `mapstructure:"alerts"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	// StrictCID rejects anchor requests whose cid does not parse as an IPFS CID.
	StrictCID bool `mapstructure:"strict_cid"`
}

type LedgerConfig struct {
	Difficulty       int    `mapstructure:"difficulty"`
	MaxSealAttempts  uint64 `mapstructure:"max_seal_attempts"`
	SealTimeout      string `mapstructure:"seal_timeout"`
	FlushOnAnchor    bool   `mapstructure:"flush_on_anchor"`
	FlushInterval    string `mapstructure:"flush_interval"`
	AllowEmptyBlocks bool   `mapstructure:"allow_empty_blocks"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

type VerifyConfig struct {
	Interval string `mapstructure:"interval"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	DefaultAddr        = ":8080"
	DefaultStoragePath = "data/blockchain.json"
	DefaultBoltPath    = "data/blockchain.db"
)

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	c := &Config{
		Ledger: LedgerConfig{
			Difficulty:    ledger.DefaultDifficulty,
			FlushOnAnchor: true,
		},
	}
	// Defaults never fail validation.
	_ = c.Validate()
	return c
}

// setDefaults registers every key so that AutomaticEnv can override it;
// viper only consults the environment for keys it already knows about.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultAddr)
	v.SetDefault("server.strict_cid", false)

	v.SetDefault("ledger.difficulty", ledger.DefaultDifficulty)
	v.SetDefault("ledger.max_seal_attempts", 0)
	v.SetDefault("ledger.seal_timeout", "")
	v.SetDefault("ledger.flush_on_anchor", true)
	v.SetDefault("ledger.flush_interval", "")
	v.SetDefault("ledger.allow_empty_blocks", false)

	v.SetDefault("storage.backend", string(storage.BackendFile))
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("verify.interval", "")

	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.slack_webhook", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}

	if c.Ledger.Difficulty < 0 || c.Ledger.Difficulty > hash.Size {
		return fmt.Errorf("ledger.difficulty must be between 0 and %d, got %d", hash.Size, c.Ledger.Difficulty)
	}

	durations := map[string]string{
		"ledger.seal_timeout":   c.Ledger.SealTimeout,
		"ledger.flush_interval": c.Ledger.FlushInterval,
		"verify.interval":       c.Verify.Interval,
	}
	for key, val := range durations {
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = string(storage.BackendFile)
	}
	switch storage.Backend(c.Storage.Backend) {
	case storage.BackendFile:
		if c.Storage.Path == "" {
			c.Storage.Path = DefaultStoragePath
		}
	case storage.BackendBolt:
		if c.Storage.Path == "" {
			c.Storage.Path = DefaultBoltPath
		}
	case storage.BackendPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (valid options: file, bolt, postgres)", c.Storage.Backend)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s (valid options: text, json)", c.Log.Format)
	}

	return nil
}

// StorageLocation is the file path or connection string handed to storage.Open.
func (s *StorageConfig) StorageLocation() string {
	if storage.Backend(s.Backend) == storage.BackendPostgres {
		return s.DSN
	}
	return s.Path
}

func (l *LedgerConfig) SealTimeoutDuration() time.Duration {
	return parseDuration(l.SealTimeout)
}

func (l *LedgerConfig) FlushIntervalDuration() time.Duration {
	return parseDuration(l.FlushInterval)
}

func (v *VerifyConfig) IntervalDuration() time.Duration {
	return parseDuration(v.Interval)
}

// LedgerOptions converts the ledger section into ledger.Config.
func (c *Config) LedgerOptions(logger *slog.Logger) *ledger.Config {
	return &ledger.Config{
		Difficulty:       c.Ledger.Difficulty,
		MaxSealAttempts:  c.Ledger.MaxSealAttempts,
		SealTimeout:      c.Ledger.SealTimeoutDuration(),
		AllowEmptyBlocks: c.Ledger.AllowEmptyBlocks,
		Logger:           logger,
	}
}

func (l *LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// parseDuration returns zero for empty or invalid values; Validate rejects the latter.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

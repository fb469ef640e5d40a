// Package config loads labelrelay settings from a TOML file with LABELRELAY_*
// environment overrides.
package config

import (
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"

	"github.com/agentworkforce/labelrelay/internal/logging"
)

//go:embed config.example.toml
var exampleConf []byte

// Duration decodes TOML strings such as "30s" or "24h".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	value, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = value
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Tracker TrackerConfig `toml:"tracker"`
	Webhook WebhookConfig `toml:"webhook"`
	Index   IndexConfig   `toml:"index"`
	Log     LogConfig     `toml:"log"`

	// SecretGenerated is set when no webhook secret was configured and Load
	// minted one.
	SecretGenerated bool `toml:"-"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	JWTSecret       string   `toml:"jwt_secret"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type TrackerConfig struct {
	Endpoint          string  `toml:"endpoint"`
	Token             string  `toml:"token"`
	UserAgent         string  `toml:"user_agent"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	RetryBudget       int     `toml:"retry_budget"`
}

type WebhookConfig struct {
	Secret         string   `toml:"secret"`
	SigningSecret  string   `toml:"signing_secret"`
	AllowedIPs     []string `toml:"allowed_ips"`
	DedupDSN       string   `toml:"dedup_dsn"`
	DedupWindow    Duration `toml:"dedup_window"`
	SuppressionTTL Duration `toml:"suppression_ttl"`
}

type IndexConfig struct {
	DSN         string `toml:"dsn"`
	SeedOnStart bool   `toml:"seed_on_start"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the settings from the embedded example file.
func Default() *Config {
	var cfg Config
	if err := toml.Unmarshal(exampleConf, &cfg); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &cfg
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and fills in a random webhook secret when none is configured.
func Load(path string, logger *log.Logger) (*Config, error) {
	cfg, err := read(path, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Webhook.Secret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.Webhook.Secret = secret
		cfg.SecretGenerated = true
		logging.Component(logger, "config").Warn("no webhook secret configured, generated one", "secret", secret)
	}
	return cfg, nil
}

// Reload is Load for a running process: a generated secret from prev is kept
// rather than replaced, so registered webhooks keep working.
func Reload(path string, prev *Config, logger *log.Logger) (*Config, error) {
	cfg, err := read(path, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Webhook.Secret == "" && prev != nil {
		cfg.Webhook.Secret = prev.Webhook.Secret
		cfg.SecretGenerated = prev.SecretGenerated
	}
	if cfg.Webhook.Secret == "" {
		return nil, errors.New("webhook secret is empty after reload")
	}
	return cfg, nil
}

func read(path string, logger *log.Logger) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	applyEnv(cfg, logging.Component(logger, "config"))
	return cfg, nil
}

// CreateConfigFile writes the example configuration to path.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.WriteFile(path, exampleConf, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, logger *log.Logger) {
	cfg.Server.Addr = stringEnv("LABELRELAY_ADDR", cfg.Server.Addr)
	cfg.Server.JWTSecret = stringEnv("LABELRELAY_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.MaxBodyBytes = int64Env(logger, "LABELRELAY_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	cfg.Server.ShutdownTimeout.Duration = durationEnv(logger, "LABELRELAY_SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout.Duration)

	cfg.Tracker.Endpoint = stringEnv("LABELRELAY_TRACKER_ENDPOINT", cfg.Tracker.Endpoint)
	cfg.Tracker.Token = stringEnv("LABELRELAY_TRACKER_TOKEN", cfg.Tracker.Token)
	cfg.Tracker.RequestsPerSecond = floatEnv(logger, "LABELRELAY_TRACKER_RPS", cfg.Tracker.RequestsPerSecond)
	cfg.Tracker.RetryBudget = intEnv(logger, "LABELRELAY_TRACKER_RETRY_BUDGET", cfg.Tracker.RetryBudget)

	cfg.Webhook.Secret = stringEnv("LABELRELAY_WEBHOOK_SECRET", cfg.Webhook.Secret)
	cfg.Webhook.SigningSecret = stringEnv("LABELRELAY_WEBHOOK_SIGNING_SECRET", cfg.Webhook.SigningSecret)
	cfg.Webhook.AllowedIPs = listEnv("LABELRELAY_WEBHOOK_ALLOWED_IPS", cfg.Webhook.AllowedIPs)
	cfg.Webhook.DedupDSN = stringEnv("LABELRELAY_DEDUP_DSN", cfg.Webhook.DedupDSN)
	cfg.Webhook.DedupWindow.Duration = durationEnv(logger, "LABELRELAY_DEDUP_WINDOW", cfg.Webhook.DedupWindow.Duration)
	cfg.Webhook.SuppressionTTL.Duration = durationEnv(logger, "LABELRELAY_SUPPRESSION_TTL", cfg.Webhook.SuppressionTTL.Duration)

	cfg.Index.DSN = stringEnv("LABELRELAY_INDEX_DSN", cfg.Index.DSN)
	cfg.Log.Level = stringEnv("LABELRELAY_LOG_LEVEL", cfg.Log.Level)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func listEnv(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func intEnv(logger *log.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid integer, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(logger *log.Logger, name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		logger.Warn("invalid integer, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(logger *log.Logger, name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn("invalid number, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(logger *log.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

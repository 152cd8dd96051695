// Package config loads service configuration from an optional YAML file
// and applies environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// --- YAML structs ---

type YamlAuthConfig struct {
	Mode       string `yaml:"mode"` // dev, hmac or jwks
	HMACSecret string `yaml:"hmac_secret"`
	JWKSURL    string `yaml:"jwks_url"`
}

type YamlRateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a single
// host prefix.
func (r YamlRateConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(r.TrustedProxies))
	for _, raw := range r.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

type YamlWebSocketConfig struct {
	AuthTimeout    string   `yaml:"auth_timeout"`
	PongWait       string   `yaml:"pong_wait"`
	PingPeriod     string   `yaml:"ping_period"`
	WriteWait      string   `yaml:"write_wait"`
	MaxMessageSize int64    `yaml:"max_message_size"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// YamlConfig mirrors the config file.
type YamlConfig struct {
	Port             string              `yaml:"port"`
	LogLevel         string              `yaml:"log_level"`
	DatabaseURL      string              `yaml:"database_url"`
	DBMigrate        bool                `yaml:"db_migrate"`
	MigrationsDir    string              `yaml:"migrations_dir"`
	SeedFile         string              `yaml:"seed_file"`
	StoreTimeout     string              `yaml:"store_timeout"`
	RedisURL         string              `yaml:"redis_url"`
	NotifyChannel    string              `yaml:"notify_channel"`
	NotifyHMACSecret string              `yaml:"notify_hmac_secret"`
	Auth             YamlAuthConfig      `yaml:"auth"`
	Rate             YamlRateConfig      `yaml:"rate"`
	WebSocket        YamlWebSocketConfig `yaml:"websocket"`
}

// --- Application config ---

type WebSocketConfig struct {
	AuthTimeout    time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
}

// AppConfig is the validated configuration used by main.
type AppConfig struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	DBMigrate        bool
	MigrationsDir    string
	SeedFile         string
	StoreTimeout     time.Duration
	RedisURL         string
	NotifyChannel    string
	NotifyHMACSecret string
	Auth             YamlAuthConfig
	Rate             YamlRateConfig
	WebSocket        WebSocketConfig
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *AppConfig {
	return &AppConfig{
		Port:          "8080",
		LogLevel:      "info",
		MigrationsDir: "db/migrations",
		StoreTimeout:  5 * time.Second,
		NotifyChannel: "bustrack:notify",
		Auth:          YamlAuthConfig{Mode: "dev"},
		Rate:          YamlRateConfig{RPS: 5, Burst: 20},
		WebSocket: WebSocketConfig{
			AuthTimeout:    30 * time.Second,
			PongWait:       60 * time.Second,
			PingPeriod:     20 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 1 << 20,
		},
	}
}

// Load reads path (if non-empty), then applies environment overrides and
// validates the result.
func Load(path string) (*AppConfig, error) {
	var yamlCfg YamlConfig
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &yamlCfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml config: %w", err)
		}
	}
	cfg, err := NewConfigFromYaml(&yamlCfg)
	if err != nil {
		return nil, err
	}
	if err := UpdateConfigWithEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfigFromYaml maps the file onto the defaults. Empty fields keep the
// default value.
func NewConfigFromYaml(y *YamlConfig) (*AppConfig, error) {
	cfg := Defaults()
	setString(&cfg.Port, y.Port)
	setString(&cfg.LogLevel, y.LogLevel)
	setString(&cfg.DatabaseURL, y.DatabaseURL)
	cfg.DBMigrate = y.DBMigrate
	setString(&cfg.MigrationsDir, y.MigrationsDir)
	setString(&cfg.SeedFile, y.SeedFile)
	setString(&cfg.RedisURL, y.RedisURL)
	setString(&cfg.NotifyChannel, y.NotifyChannel)
	setString(&cfg.NotifyHMACSecret, y.NotifyHMACSecret)
	setString(&cfg.Auth.Mode, y.Auth.Mode)
	setString(&cfg.Auth.HMACSecret, y.Auth.HMACSecret)
	setString(&cfg.Auth.JWKSURL, y.Auth.JWKSURL)
	if y.Rate.RPS > 0 {
		cfg.Rate.RPS = y.Rate.RPS
	}
	if y.Rate.Burst > 0 {
		cfg.Rate.Burst = y.Rate.Burst
	}
	if len(y.Rate.TrustedProxies) > 0 {
		cfg.Rate.TrustedProxies = y.Rate.TrustedProxies
	}
	if y.WebSocket.MaxMessageSize > 0 {
		cfg.WebSocket.MaxMessageSize = y.WebSocket.MaxMessageSize
	}
	if len(y.WebSocket.AllowedOrigins) > 0 {
		cfg.WebSocket.AllowedOrigins = y.WebSocket.AllowedOrigins
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store_timeout", y.StoreTimeout, &cfg.StoreTimeout},
		{"websocket.auth_timeout", y.WebSocket.AuthTimeout, &cfg.WebSocket.AuthTimeout},
		{"websocket.pong_wait", y.WebSocket.PongWait, &cfg.WebSocket.PongWait},
		{"websocket.ping_period", y.WebSocket.PingPeriod, &cfg.WebSocket.PingPeriod},
		{"websocket.write_wait", y.WebSocket.WriteWait, &cfg.WebSocket.WriteWait},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.raw); err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
	}
	return cfg, nil
}

// UpdateConfigWithEnvOverrides applies environment variables over cfg.
func UpdateConfigWithEnvOverrides(cfg *AppConfig) error {
	cfg.Port = envOr("PORT", cfg.Port)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.SeedFile = envOr("SEED_FILE", cfg.SeedFile)
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.NotifyHMACSecret = envOr("NOTIFY_HMAC_SECRET", cfg.NotifyHMACSecret)
	cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(envOr("AUTH_MODE", cfg.Auth.Mode)))
	cfg.Auth.HMACSecret = envOr("AUTH_HMAC_SECRET", cfg.Auth.HMACSecret)
	cfg.Auth.JWKSURL = envOr("AUTH_JWKS_URL", cfg.Auth.JWKSURL)

	if v := os.Getenv("DB_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DB_MIGRATE: %w", err)
		}
		cfg.DBMigrate = b
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		cfg.Rate.RPS = f
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		cfg.Rate.Burst = n
	}
	if v := os.Getenv("RATE_TRUSTED_PROXIES"); v != "" {
		cfg.Rate.TrustedProxies = strings.Split(v, ",")
	}
	if err := setDuration(&cfg.WebSocket.AuthTimeout, os.Getenv("WS_AUTH_TIMEOUT")); err != nil {
		return fmt.Errorf("WS_AUTH_TIMEOUT: %w", err)
	}
	if err := setDuration(&cfg.StoreTimeout, os.Getenv("STORE_TIMEOUT")); err != nil {
		return fmt.Errorf("STORE_TIMEOUT: %w", err)
	}
	return nil
}

// Validate rejects configurations main cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.Auth.Mode {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth mode hmac requires AUTH_HMAC_SECRET"))
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth mode jwks requires AUTH_JWKS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth mode %q", c.Auth.Mode))
	}
	if c.Rate.RPS <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("rate rps and burst must be positive"))
	}
	if _, err := c.Rate.TrustedPrefixes(); err != nil {
		errs = append(errs, err)
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		errs = append(errs, errors.New("websocket ping period must be shorter than pong wait"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Redacted returns the configuration with secrets masked, for /debug/vars.
func (c *AppConfig) Redacted() map[string]any {
	return map[string]any{
		"port":             c.Port,
		"logLevel":         c.LogLevel,
		"database":         mask(c.DatabaseURL),
		"dbMigrate":        c.DBMigrate,
		"seedFile":         c.SeedFile,
		"storeTimeout":     c.StoreTimeout.String(),
		"redis":            mask(c.RedisURL),
		"notifyChannel":    c.NotifyChannel,
		"notifySigning":    c.NotifyHMACSecret != "",
		"authMode":         c.Auth.Mode,
		"rateRPS":          c.Rate.RPS,
		"rateBurst":        c.Rate.Burst,
		"trustedProxies":   c.Rate.TrustedProxies,
		"wsAuthTimeout":    c.WebSocket.AuthTimeout.String(),
		"wsAllowedOrigins": c.WebSocket.AllowedOrigins,
	}
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "set"
}

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

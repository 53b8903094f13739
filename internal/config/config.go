package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Enriquefft/feishu-bridge/internal/feishu"
	"github.com/Enriquefft/feishu-bridge/internal/longconn"
	"github.com/Enriquefft/feishu-bridge/internal/ratelimit"
	"github.com/Enriquefft/feishu-bridge/internal/webhook"
)

// Delivery modes.
const (
	ModeWS      = "ws"
	ModeWebhook = "webhook"
	ModeBoth    = "both"
)

// Guard modes.
const (
	GuardOpen      = "open"
	GuardAllowlist = "allowlist"
)

// Dedup backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the feishu bridge.
type Config struct {
	App       AppConfig       `toml:"app"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Webhook   WebhookConfig   `toml:"webhook"`
	LongConn  LongConnConfig  `toml:"longconn"`
	Dedup     DedupConfig     `toml:"dedup"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Guard     GuardConfig     `toml:"guard"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Log       LogConfig       `toml:"log"`
	Tunnel    TunnelConfig    `toml:"tunnel"`
}

type AppConfig struct {
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`
	// Domain is used for long connection discovery, BaseURL for REST calls.
	// BaseURL falls back to Domain.
	Domain  string `toml:"domain"`
	BaseURL string `toml:"base_url"`
}

type DeliveryConfig struct {
	Mode string `toml:"mode"`
}

type WebhookConfig struct {
	Addr               string        `toml:"addr"`
	Path               string        `toml:"path"`
	VerificationToken  string        `toml:"verification_token"`
	EncryptKey         string        `toml:"encrypt_key"`
	VerifySignature    bool          `toml:"verify_signature"`
	TimestampTolerance time.Duration `toml:"timestamp_tolerance"`
}

type LongConnConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `toml:"heartbeat_timeout"`
	DiscoveryTimeout  time.Duration `toml:"discovery_timeout"`
	ConnectTimeout    time.Duration `toml:"connect_timeout"`
	ReconnectBase     time.Duration `toml:"reconnect_base"`
	ReconnectMax      time.Duration `toml:"reconnect_max"`
	ReconnectJitter   time.Duration `toml:"reconnect_jitter"`
	MaxAttempts       int           `toml:"max_attempts"`
}

type DedupConfig struct {
	Backend    string        `toml:"backend"`
	TTL        time.Duration `toml:"ttl"`
	MaxEntries int           `toml:"max_entries"`
	RedisURL   string        `toml:"redis_url"`
}

type RateLimitConfig struct {
	Enabled           bool          `toml:"enabled"`
	BaseQPS           float64       `toml:"base_qps"`
	MinQPS            float64       `toml:"min_qps"`
	MaxQPS            float64       `toml:"max_qps"`
	RecoveryFactor    float64       `toml:"recovery_factor"`
	ConvergenceFactor float64       `toml:"convergence_factor"`
	RecoveryStreak    int           `toml:"recovery_streak"`
	Cooldown          time.Duration `toml:"cooldown"`
	MaxWait           time.Duration `toml:"max_wait"`
}

// GuardConfig controls who may talk to the bot. Roles maps a role name to
// open_id, user_id or union_id values.
type GuardConfig struct {
	Mode        string              `toml:"mode"`
	Roles       map[string][]string `toml:"roles"`
	DefaultRole string              `toml:"default_role"`
	DenyMessage string              `toml:"deny_message"`
	RateLimit   int                 `toml:"rate_limit"`
	RateWindow  int                 `toml:"rate_window"`
}

// GatewayConfig points at a downstream websocket gateway that receives
// every allowed chat message. An empty URL disables forwarding.
type GatewayConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TunnelConfig struct {
	Funnel bool `toml:"funnel"`
}

func defaults() Config {
	t := ratelimit.DefaultTuning()
	return Config{
		App: AppConfig{
			Domain: longconn.DefaultDomain,
		},
		Delivery: DeliveryConfig{
			Mode: ModeWS,
		},
		Webhook: WebhookConfig{
			Addr:               ":18790",
			Path:               "/webhook/event",
			VerifySignature:    true,
			TimestampTolerance: webhook.DefaultTimestampTolerance,
		},
		LongConn: LongConnConfig{
			HeartbeatInterval: 120 * time.Second,
			DiscoveryTimeout:  30 * time.Second,
			ConnectTimeout:    10 * time.Second,
			ReconnectBase:     time.Second,
			ReconnectMax:      30 * time.Second,
		},
		Dedup: DedupConfig{
			Backend:    BackendMemory,
			TTL:        24 * time.Hour,
			MaxEntries: 100000,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			BaseQPS:           t.BaseQPS,
			MinQPS:            t.MinQPS,
			MaxQPS:            t.MaxQPS,
			RecoveryFactor:    t.RecoveryFactor,
			ConvergenceFactor: t.ConvergenceFactor,
			RecoveryStreak:    t.RecoveryStreak,
			Cooldown:          t.Cooldown,
			MaxWait:           t.MaxWait,
		},
		Guard: GuardConfig{
			Mode:        GuardOpen,
			DefaultRole: "member",
			RateWindow:  60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the TOML config file (if it exists) and
// applies environment variable overrides. Env vars always win.
//
// Config file resolution: FEISHU_CONFIG env var → ~/.config/feishu-bridge/config.toml → skip.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load with an explicit path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return &cfg, nil
}

// Path returns the config file location Load reads, or "" when none can be
// resolved.
func Path() string {
	if p := os.Getenv("FEISHU_CONFIG"); p != "" {
		return expandHome(p)
	}
	home := os.Getenv("HOME")
	if home == "" {
		return ""
	}
	return filepath.Join(home, ".config", "feishu-bridge", "config.toml")
}

func applyEnv(cfg *Config) {
	setString(&cfg.App.AppID, "FEISHU_APP_ID")
	setString(&cfg.App.AppSecret, "FEISHU_APP_SECRET")
	setString(&cfg.App.Domain, "FEISHU_DOMAIN")
	setString(&cfg.App.BaseURL, "FEISHU_BASE_URL")

	setString(&cfg.Delivery.Mode, "FEISHU_MODE")

	setString(&cfg.Webhook.Addr, "FEISHU_WEBHOOK_ADDR")
	setString(&cfg.Webhook.Path, "FEISHU_WEBHOOK_PATH")
	setString(&cfg.Webhook.VerificationToken, "FEISHU_VERIFICATION_TOKEN")
	setString(&cfg.Webhook.EncryptKey, "FEISHU_ENCRYPT_KEY")
	if v := os.Getenv("FEISHU_VERIFY_SIGNATURE"); v != "" {
		cfg.Webhook.VerifySignature = v == "true"
	}

	if v := os.Getenv("FEISHU_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LongConn.MaxAttempts = n
		}
	}

	setString(&cfg.Dedup.Backend, "FEISHU_DEDUP_BACKEND")
	setString(&cfg.Dedup.RedisURL, "FEISHU_REDIS_URL")
	if v := os.Getenv("FEISHU_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dedup.TTL = d
		}
	}

	if v := os.Getenv("FEISHU_RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = v == "true"
	}
	if v := os.Getenv("FEISHU_RATELIMIT_BASE_QPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.BaseQPS = f
		}
	}

	setString(&cfg.Guard.Mode, "FEISHU_GUARD_MODE")
	setString(&cfg.Guard.DenyMessage, "FEISHU_GUARD_DENY_MESSAGE")
	if v := os.Getenv("FEISHU_GUARD_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Guard.RateLimit = n
		}
	}

	setString(&cfg.Gateway.URL, "FEISHU_GATEWAY_URL")
	setString(&cfg.Gateway.Token, "FEISHU_GATEWAY_TOKEN")

	setString(&cfg.Log.Level, "FEISHU_LOG_LEVEL")
	setString(&cfg.Log.Format, "FEISHU_LOG_FORMAT")

	if v := os.Getenv("FEISHU_TUNNEL_FUNNEL"); v != "" {
		cfg.Tunnel.Funnel = v == "true"
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate normalises values and checks that required fields are set for
// the configured mode.
func (c *Config) Validate() error {
	var errs []error

	mode := strings.ToLower(c.Delivery.Mode)
	switch mode {
	case ModeWS, ModeWebhook, ModeBoth:
		c.Delivery.Mode = mode
	case "":
		c.Delivery.Mode = ModeWS
	default:
		errs = append(errs, fmt.Errorf("delivery.mode %q: want ws, webhook or both", c.Delivery.Mode))
	}

	if c.UsesLongConn() && (c.App.AppID == "" || c.App.AppSecret == "") {
		errs = append(errs, errors.New("app.app_id and app.app_secret are required for the long connection"))
	}

	if c.App.Domain == "" {
		c.App.Domain = longconn.DefaultDomain
	}
	c.App.Domain = strings.TrimRight(c.App.Domain, "/")
	if c.App.BaseURL == "" {
		c.App.BaseURL = c.App.Domain
	}

	if c.Webhook.Path == "" || !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + strings.TrimPrefix(c.Webhook.Path, "/")
		if c.Webhook.Path == "/" {
			c.Webhook.Path = "/webhook/event"
		}
	}
	if c.Webhook.TimestampTolerance <= 0 {
		c.Webhook.TimestampTolerance = webhook.DefaultTimestampTolerance
	}
	if c.Webhook.VerifySignature && c.Webhook.EncryptKey == "" && c.UsesWebhook() {
		// Signatures are keyed by the encrypt key; without one there is
		// nothing to verify.
		c.Webhook.VerifySignature = false
	}

	if c.LongConn.MaxAttempts < 0 {
		c.LongConn.MaxAttempts = 0
	}

	switch strings.ToLower(c.Dedup.Backend) {
	case "", BackendMemory:
		c.Dedup.Backend = BackendMemory
	case BackendRedis:
		c.Dedup.Backend = BackendRedis
		if c.Dedup.RedisURL == "" {
			errs = append(errs, errors.New("dedup.redis_url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q: want memory or redis", c.Dedup.Backend))
	}
	if c.Dedup.TTL <= 0 {
		c.Dedup.TTL = 24 * time.Hour
	}
	if c.Dedup.MaxEntries <= 0 {
		c.Dedup.MaxEntries = 100000
	}

	switch strings.ToLower(c.Guard.Mode) {
	case GuardAllowlist:
		c.Guard.Mode = GuardAllowlist
		if len(c.Guard.Roles) == 0 {
			errs = append(errs, errors.New("guard.roles must list at least one sender in allowlist mode"))
		}
	default:
		c.Guard.Mode = GuardOpen
	}
	if c.Guard.RateLimit < 0 {
		c.Guard.RateLimit = 0
	}
	if c.Guard.RateWindow <= 0 {
		c.Guard.RateWindow = 60
	}

	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format != "json" {
		c.Log.Format = "text"
	}

	return errors.Join(errs...)
}

// UsesLongConn reports whether the websocket transport runs.
func (c *Config) UsesLongConn() bool {
	return c.Delivery.Mode == ModeWS || c.Delivery.Mode == ModeBoth
}

// UsesWebhook reports whether the webhook receiver is mounted.
func (c *Config) UsesWebhook() bool {
	return c.Delivery.Mode == ModeWebhook || c.Delivery.Mode == ModeBoth
}

// Tuning converts the [ratelimit] section for the governor.
func (c *Config) Tuning() ratelimit.Tuning {
	r := c.RateLimit
	return ratelimit.Tuning{
		BaseQPS:           r.BaseQPS,
		MinQPS:            r.MinQPS,
		MaxQPS:            r.MaxQPS,
		RecoveryFactor:    r.RecoveryFactor,
		ConvergenceFactor: r.ConvergenceFactor,
		RecoveryStreak:    r.RecoveryStreak,
		Cooldown:          r.Cooldown,
		MaxWait:           r.MaxWait,
	}
}

func (c *Config) LongConnConfig() longconn.Config {
	l := c.LongConn
	return longconn.Config{
		AppID:             c.App.AppID,
		AppSecret:         c.App.AppSecret,
		Domain:            c.App.Domain,
		HeartbeatInterval: l.HeartbeatInterval,
		HeartbeatTimeout:  l.HeartbeatTimeout,
		DiscoveryTimeout:  l.DiscoveryTimeout,
		ConnectTimeout:    l.ConnectTimeout,
		ReconnectBase:     l.ReconnectBase,
		ReconnectMax:      l.ReconnectMax,
		ReconnectJitter:   l.ReconnectJitter,
		MaxAttempts:       l.MaxAttempts,
	}
}

func (c *Config) WebhookConfig() webhook.Config {
	return webhook.Config{
		VerificationToken:  c.Webhook.VerificationToken,
		EncryptKey:         c.Webhook.EncryptKey,
		VerifySignature:    c.Webhook.VerifySignature,
		TimestampTolerance: c.Webhook.TimestampTolerance,
	}
}

func (c *Config) FeishuConfig() feishu.Config {
	return feishu.Config{
		AppID:     c.App.AppID,
		AppSecret: c.App.AppSecret,
		BaseURL:   c.App.BaseURL,
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("FEISHU_CONFIG", "")
	for _, k := range []string{
		"FEISHU_APP_ID", "FEISHU_APP_SECRET", "FEISHU_DOMAIN", "FEISHU_BASE_URL", "FEISHU_MODE",
		"FEISHU_WEBHOOK_ADDR", "FEISHU_WEBHOOK_PATH", "FEISHU_VERIFICATION_TOKEN", "FEISHU_ENCRYPT_KEY",
		"FEISHU_VERIFY_SIGNATURE", "FEISHU_MAX_ATTEMPTS", "FEISHU_DEDUP_BACKEND", "FEISHU_REDIS_URL",
		"FEISHU_DEDUP_TTL", "FEISHU_RATELIMIT_ENABLED", "FEISHU_RATELIMIT_BASE_QPS",
		"FEISHU_GUARD_MODE", "FEISHU_GUARD_DENY_MESSAGE", "FEISHU_GUARD_RATE_LIMIT",
		"FEISHU_GATEWAY_URL", "FEISHU_GATEWAY_TOKEN",
		"FEISHU_LOG_LEVEL", "FEISHU_LOG_FORMAT", "FEISHU_TUNNEL_FUNNEL",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ModeWS, cfg.Delivery.Mode)
	assert.Equal(t, ":18790", cfg.Webhook.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Dedup.TTL)
	assert.Equal(t, 5.0, cfg.RateLimit.BaseQPS)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.MaxWait)
	assert.True(t, cfg.RateLimit.Enabled)

	err = cfg.Validate()
	assert.ErrorContains(t, err, "app_id", "ws mode needs credentials")
}

func TestLoadFileFromHome(t *testing.T) {
	home := isolate(t)
	writeFile(t, filepath.Join(home, ".config", "feishu-bridge", "config.toml"), `
[app]
app_id = "cli_a"
app_secret = "s3cret"

[delivery]
mode = "BOTH"

[webhook]
verification_token = "vt"
encrypt_key = "ek"
timestamp_tolerance = "2m"

[longconn]
heartbeat_interval = "45s"
max_attempts = 7

[ratelimit]
base_qps = 10.0
cooldown = "3s"

[guard]
mode = "allowlist"
rate_limit = 5

[guard.roles]
admin = ["ou_admin"]
`)

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ModeBoth, cfg.Delivery.Mode)
	assert.True(t, cfg.UsesLongConn())
	assert.True(t, cfg.UsesWebhook())
	assert.Equal(t, "https://open.feishu.cn", cfg.App.BaseURL)

	wh := cfg.WebhookConfig()
	assert.Equal(t, "vt", wh.VerificationToken)
	assert.True(t, wh.VerifySignature)
	assert.Equal(t, 2*time.Minute, wh.TimestampTolerance)

	lc := cfg.LongConnConfig()
	assert.Equal(t, "cli_a", lc.AppID)
	assert.Equal(t, 45*time.Second, lc.HeartbeatInterval)
	assert.Equal(t, 7, lc.MaxAttempts)

	tuning := cfg.Tuning()
	assert.Equal(t, 10.0, tuning.BaseQPS)
	assert.Equal(t, 3*time.Second, tuning.Cooldown)
	assert.Equal(t, 1.0, tuning.MinQPS, "unset keys keep their defaults")

	assert.Equal(t, GuardAllowlist, cfg.Guard.Mode)
	assert.Equal(t, []string{"ou_admin"}, cfg.Guard.Roles["admin"])
	assert.Equal(t, 60, cfg.Guard.RateWindow)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.toml")
	writeFile(t, path, `
[app]
app_id = "from_file"
app_secret = "file_secret"

[dedup]
backend = "redis"
redis_url = "redis://file:6379/0"
`)
	t.Setenv("FEISHU_CONFIG", path)
	t.Setenv("FEISHU_APP_ID", "from_env")
	t.Setenv("FEISHU_REDIS_URL", "redis://env:6379/1")
	t.Setenv("FEISHU_DEDUP_TTL", "1h")
	t.Setenv("FEISHU_RATELIMIT_ENABLED", "false")
	t.Setenv("FEISHU_GATEWAY_URL", "ws://127.0.0.1:18789")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "from_env", cfg.App.AppID)
	assert.Equal(t, "file_secret", cfg.App.AppSecret)
	assert.Equal(t, BackendRedis, cfg.Dedup.Backend)
	assert.Equal(t, "redis://env:6379/1", cfg.Dedup.RedisURL)
	assert.Equal(t, time.Hour, cfg.Dedup.TTL)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "ws://127.0.0.1:18789", cfg.Gateway.URL)
}

func TestExpandHome(t *testing.T) {
	home := isolate(t)
	t.Setenv("FEISHU_CONFIG", "~/bridge.toml")
	assert.Equal(t, filepath.Join(home, "bridge.toml"), Path())
}

func TestMalformedFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.toml")
	writeFile(t, path, "[app\napp_id = ")

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
		check   func(t *testing.T, c *Config)
	}{
		{
			name:   "webhook mode needs no credentials",
			mutate: func(c *Config) { c.Delivery.Mode = "webhook" },
			check: func(t *testing.T, c *Config) {
				assert.False(t, c.UsesLongConn())
				assert.False(t, c.Webhook.VerifySignature, "no encrypt key, nothing to sign with")
			},
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Delivery.Mode = "carrier-pigeon"; c.App.AppID = "a"; c.App.AppSecret = "b" },
			wantErr: "delivery.mode",
		},
		{
			name: "allowlist without roles",
			mutate: func(c *Config) {
				c.Delivery.Mode = ModeWebhook
				c.Guard.Mode = "ALLOWLIST"
			},
			wantErr: "guard.roles",
		},
		{
			name: "redis without url",
			mutate: func(c *Config) {
				c.Delivery.Mode = ModeWebhook
				c.Dedup.Backend = "redis"
			},
			wantErr: "redis_url",
		},
		{
			name: "normalises path and log",
			mutate: func(c *Config) {
				c.Delivery.Mode = ModeWebhook
				c.Webhook.Path = "events"
				c.Log.Level = "DEBUG"
				c.Log.Format = "xml"
				c.LongConn.MaxAttempts = -3
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "/events", c.Webhook.Path)
				assert.Equal(t, "debug", c.Log.Level)
				assert.Equal(t, "text", c.Log.Format)
				assert.Zero(t, c.LongConn.MaxAttempts)
			},
		},
		{
			name: "base url follows domain",
			mutate: func(c *Config) {
				c.Delivery.Mode = ModeWebhook
				c.App.Domain = "https://open.larksuite.com/"
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "https://open.larksuite.com", c.App.Domain)
				assert.Equal(t, "https://open.larksuite.com", c.FeishuConfig().BaseURL)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, &cfg)
			}
		})
	}
}

func TestWatchReloads(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[delivery]\nmode = \"webhook\"\n[ratelimit]\nbase_qps = 5.0\n")

	log, _ := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, log, func(c *Config) { got <- c }) }()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[delivery]\nmode = \"webhook\"\n[ratelimit]\nbase_qps = 20.0\n")

	select {
	case c := <-got:
		assert.Equal(t, 20.0, c.Tuning().BaseQPS)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatchSkipsInvalidConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, "[delivery]\nmode = \"webhook\"\n")

	log, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, log, func(c *Config) { got <- c })

	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "[delivery]\nmode = \"nope\"\n")

	select {
	case <-got:
		t.Fatal("invalid config must not be applied")
	case <-time.After(800 * time.Millisecond):
	}
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "invalid")
}

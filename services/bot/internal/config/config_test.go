package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"FORMBOT_CONFIG", "TELEGRAM_BOT_TOKEN", "DATABASE_URL", "REDIS_ADDR", "MINIO_ENDPOINT"} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
telegramToken: "123:abc"
databaseURL: "sqlite:///var/lib/formbot/formbot.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FormTimeout() != time.Minute || cfg.SweepInterval() != time.Minute {
		t.Fatalf("timeouts = %v/%v, want 1m/1m", cfg.FormTimeout(), cfg.SweepInterval())
	}
	if cfg.TelegramMode != ModePolling || cfg.LockBackend != BackendMemory || cfg.ReportBackend != BackendPool {
		t.Fatalf("unexpected backends %+v", cfg)
	}
	if cfg.ReportFormat != "docx" || cfg.Port != "8080" || cfg.ReportConcurrency != 4 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("DATABASE_URL", "postgres://formbot@localhost/formbot")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("FORMBOT_LOCK_BACKEND", "redis")
	t.Setenv("FORMBOT_FORM_TIMEOUT_SECONDS", "90")
	t.Setenv("FORMBOT_RATE_LIMIT_PER_MINUTE", "30")
	t.Setenv("MINIO_ENDPOINT", "minio:9000")
	t.Setenv("MINIO_BUCKET", "reports")

	path := writeConfig(t, `
port: "9090"
telegramToken: "123:file"
databaseURL: "sqlite://formbot.db"
messages:
  welcome: "Hello"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.TelegramToken != "999:env" || !strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.LockBackend != BackendRedis || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redis settings = %q/%q", cfg.LockBackend, cfg.RedisAddr)
	}
	if cfg.FormTimeout() != 90*time.Second || cfg.RateLimitPerMinute != 30 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	if !cfg.Minio.Enabled() || cfg.Minio.Bucket != "reports" {
		t.Fatalf("minio overrides not applied: %+v", cfg.Minio)
	}
	if cfg.Port != "9090" || cfg.Messages["welcome"] != "Hello" {
		t.Fatalf("file values lost: %+v", cfg)
	}
}

func TestLoadUsesConfigEnvPath(t *testing.T) {
	path := writeConfig(t, `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
`)
	t.Setenv("FORMBOT_CONFIG", path)
	if _, err := Load("does-not-exist.yaml"); err != nil {
		t.Fatalf("FORMBOT_CONFIG should win: %v", err)
	}
}

func TestValidateConfig(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"missing token": `databaseURL: "sqlite://x.db"`,
		"missing db":    `telegramToken: "1:x"`,
		"webhook without url": `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
telegramMode: webhook
webhookSecret: s`,
		"bad mode": `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
telegramMode: push`,
		"redis lock without addr": `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
lockBackend: redis`,
		"bad format": `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
reportFormat: pdf`,
		"minio without bucket": `
telegramToken: "1:x"
databaseURL: "sqlite://x.db"
minio:
  endpoint: "minio:9000"`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

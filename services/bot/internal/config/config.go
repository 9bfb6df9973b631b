package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when no path is given. FORMBOT_CONFIG overrides it.
var ConfigPath = "config.yaml"

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"

	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPool   = "pool"
)

// MinioConfig is the optional report archive.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// Enabled reports whether an archive endpoint is configured.
func (m MinioConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != ""
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                 string            `yaml:"port"`
	LogLevel             string            `yaml:"logLevel"`
	TelegramToken        string            `yaml:"telegramToken"`
	TelegramMode         string            `yaml:"telegramMode"`
	TelegramAPIEndpoint  string            `yaml:"telegramAPIEndpoint"`
	WebhookURL           string            `yaml:"webhookURL"`
	WebhookSecret        string            `yaml:"webhookSecret"`
	DatabaseURL          string            `yaml:"databaseURL"`
	RedisAddr            string            `yaml:"redisAddr"`
	RedisPassword        string            `yaml:"redisPassword"`
	LockBackend          string            `yaml:"lockBackend"`
	FormTimeoutSeconds   int               `yaml:"formTimeoutSeconds"`
	SweepIntervalSeconds int               `yaml:"sweepIntervalSeconds"`
	ReportDir            string            `yaml:"reportDir"`
	ReportFormat         string            `yaml:"reportFormat"`
	ReportBackend        string            `yaml:"reportBackend"`
	ReportConcurrency    int               `yaml:"reportConcurrency"`
	ReportQueueName      string            `yaml:"reportQueueName"`
	RateLimitPerMinute   int               `yaml:"rateLimitPerMinute"`
	Minio                MinioConfig       `yaml:"minio"`
	Messages             map[string]string `yaml:"messages"`
}

// FormTimeout is the idle time after which an incomplete form expires.
func (c FileConfig) FormTimeout() time.Duration {
	return time.Duration(c.FormTimeoutSeconds) * time.Second
}

// SweepInterval is the period of the expiry sweeper.
func (c FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and defaults, then validates.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if v := os.Getenv("FORMBOT_CONFIG"); v != "" {
		path = v
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("FORMBOT_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("FORMBOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FORMBOT_TELEGRAM_MODE"); v != "" {
		cfg.TelegramMode = v
	}
	if v := os.Getenv("FORMBOT_WEBHOOK_URL"); v != "" {
		cfg.WebhookURL = v
	}
	if v := os.Getenv("FORMBOT_WEBHOOK_SECRET"); v != "" {
		cfg.WebhookSecret = v
	}
	if v := os.Getenv("FORMBOT_LOCK_BACKEND"); v != "" {
		cfg.LockBackend = v
	}
	if v := os.Getenv("FORMBOT_REPORT_BACKEND"); v != "" {
		cfg.ReportBackend = v
	}
	if v := os.Getenv("FORMBOT_REPORT_FORMAT"); v != "" {
		cfg.ReportFormat = v
	}
	if v := os.Getenv("FORMBOT_REPORT_DIR"); v != "" {
		cfg.ReportDir = v
	}
	if v := os.Getenv("FORMBOT_FORM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FormTimeoutSeconds = n
		}
	}
	if v := os.Getenv("FORMBOT_SWEEP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepIntervalSeconds = n
		}
	}
	if v := os.Getenv("FORMBOT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Minio.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Minio.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Minio.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.Minio.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.Minio.UseSSL = true
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TelegramMode == "" {
		cfg.TelegramMode = ModePolling
	}
	if cfg.LockBackend == "" {
		cfg.LockBackend = BackendMemory
	}
	if cfg.FormTimeoutSeconds == 0 {
		cfg.FormTimeoutSeconds = 60
	}
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.ReportFormat == "" {
		cfg.ReportFormat = "docx"
	}
	if cfg.ReportBackend == "" {
		cfg.ReportBackend = BackendPool
	}
	if cfg.ReportConcurrency == 0 {
		cfg.ReportConcurrency = 4
	}
	if cfg.ReportQueueName == "" {
		cfg.ReportQueueName = "formbot:reports"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.TelegramToken == "" {
		return errors.New("config: telegramToken is required (set in config.yaml or TELEGRAM_BOT_TOKEN)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	switch cfg.TelegramMode {
	case ModePolling:
	case ModeWebhook:
		if cfg.WebhookURL == "" {
			return errors.New("config: webhookURL is required in webhook mode")
		}
		if cfg.WebhookSecret == "" {
			return errors.New("config: webhookSecret is required in webhook mode")
		}
	default:
		return fmt.Errorf("config: telegramMode must be %q or %q", ModePolling, ModeWebhook)
	}
	switch cfg.LockBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("config: lockBackend must be %q or %q", BackendMemory, BackendRedis)
	}
	switch cfg.ReportBackend {
	case BackendPool, BackendRedis:
	default:
		return fmt.Errorf("config: reportBackend must be %q or %q", BackendPool, BackendRedis)
	}
	switch cfg.ReportFormat {
	case "docx", "xlsx":
	default:
		return fmt.Errorf("config: reportFormat must be docx or xlsx")
	}
	needsRedis := cfg.LockBackend == BackendRedis || cfg.ReportBackend == BackendRedis || cfg.RateLimitPerMinute > 0
	if needsRedis && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required for redis lock, redis reports or rate limiting")
	}
	if cfg.FormTimeoutSeconds < 0 || cfg.SweepIntervalSeconds < 0 {
		return errors.New("config: formTimeoutSeconds and sweepIntervalSeconds must be positive")
	}
	if cfg.ReportConcurrency < 0 || cfg.RateLimitPerMinute < 0 {
		return errors.New("config: reportConcurrency and rateLimitPerMinute must not be negative")
	}
	if cfg.Minio.Enabled() && cfg.Minio.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	return nil
}

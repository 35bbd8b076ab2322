package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/audioqueue/pkg/models"
	"github.com/spf13/viper"
)

// Config holds all configuration for the audioqueue processes.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Queues    QueueConfig
	Kinds     map[models.JobKind]KindConfig
	Retry     RetryConfig
	Reaper    ReaperConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	LogLevel           string
	AdminKeyHash       string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type InferenceConfig struct {
	BaseURL   string
	Timeout   time.Duration
	Endpoints map[models.JobKind]string
}

// QueueConfig holds the advisory admission limits per queue. The broker's
// worker concurrency is the hard limit and is configured separately.
type QueueConfig struct {
	Limits            map[string]int
	DefaultLimit      int
	WorkerConcurrency int
	// WorkerQueues restricts a worker process to a subset of queues.
	WorkerQueues []string
}

// KindLimits exposes per-kind execution budgets. *Config satisfies it.
type KindLimits interface {
	Kind(k models.JobKind) KindConfig
}

// KindConfig holds the per-kind execution budget.
type KindConfig struct {
	SoftLimit  time.Duration
	HardLimit  time.Duration
	MaxRetries int
}

type RetryConfig struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
	MaxAge     time.Duration
}

type ReaperConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// kindDefaults mirrors the per-task soft/hard limits the workers were tuned for.
var kindDefaults = map[models.JobKind]KindConfig{
	models.KindVoiceCloning:       {SoftLimit: 3300 * time.Second, HardLimit: 3600 * time.Second, MaxRetries: 3},
	models.KindTranslation:        {SoftLimit: 1700 * time.Second, HardLimit: 1800 * time.Second, MaxRetries: 3},
	models.KindSpeakerDiarization: {SoftLimit: 1700 * time.Second, HardLimit: 1800 * time.Second, MaxRetries: 3},
	models.KindSpeakerExtraction:  {SoftLimit: 1700 * time.Second, HardLimit: 1800 * time.Second, MaxRetries: 3},
	models.KindDenoising:          {SoftLimit: 900 * time.Second, HardLimit: 1000 * time.Second, MaxRetries: 3},
	models.KindSpectralDenoising:  {SoftLimit: 900 * time.Second, HardLimit: 1000 * time.Second, MaxRetries: 3},
}

var queueDefaults = map[string]int{
	models.QueueVoice:       2,
	models.QueueTranslation: 4,
	models.QueueSpeaker:     2,
	models.QueueDenoiser:    4,
	models.QueueSpectral:    4,
}

var validEnvs = map[string]bool{
	"development": true,
	"staging":     true,
	"production":  true,
}

// Load reads configuration from an optional audioqueue.yaml and environment
// variables, applies defaults and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("audioqueue")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:               v.GetInt("AUDIOQUEUE_PORT"),
			Env:                v.GetString("AUDIOQUEUE_ENV"),
			LogLevel:           strings.ToLower(v.GetString("LOG_LEVEL")),
			AdminKeyHash:       v.GetString("ADMIN_API_KEY_HASH"),
			RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),
		},
		Database: DatabaseConfig{
			URL:             v.GetString("DATABASE_URL"),
			MaxOpenConns:    v.GetInt("DATABASE_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DATABASE_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DATABASE_CONN_MAX_LIFETIME"),
		},
		Redis: RedisConfig{
			URL: v.GetString("REDIS_URL"),
		},
		Storage: StorageConfig{
			Bucket:          v.GetString("S3_BUCKET"),
			Region:          v.GetString("S3_REGION"),
			Endpoint:        v.GetString("S3_ENDPOINT"),
			AccessKeyID:     v.GetString("S3_ACCESS_KEY"),
			SecretAccessKey: v.GetString("S3_SECRET_KEY"),
			UsePathStyle:    v.GetBool("S3_USE_PATH_STYLE"),
		},
		Inference: InferenceConfig{
			BaseURL:   v.GetString("INFERENCE_BASE_URL"),
			Timeout:   secs(v, "INFERENCE_HTTP_TIMEOUT_SECS"),
			Endpoints: make(map[models.JobKind]string, len(models.AllKinds)),
		},
		Queues: QueueConfig{
			Limits:            make(map[string]int, len(models.AllQueues)),
			DefaultLimit:      v.GetInt("MAX_QUEUE_SIZE"),
			WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		},
		Kinds: make(map[models.JobKind]KindConfig, len(models.AllKinds)),
		Retry: RetryConfig{
			Backoff:    secs(v, "RETRY_BACKOFF_SECONDS"),
			MaxBackoff: secs(v, "RETRY_MAX_BACKOFF_SECONDS"),
			MaxAge:     time.Duration(v.GetInt("RETRY_MAX_AGE_HOURS")) * time.Hour,
		},
		Reaper: ReaperConfig{
			Interval:       secs(v, "REAPER_INTERVAL_SECS"),
			StaleThreshold: time.Duration(v.GetInt("STALE_JOB_THRESHOLD_HOURS")) * time.Hour,
		},
	}

	for _, q := range models.AllQueues {
		cfg.Queues.Limits[q] = v.GetInt(queueLimitKey(q))
	}
	for _, q := range strings.Split(v.GetString("WORKER_QUEUES"), ",") {
		if q = strings.TrimSpace(q); q != "" {
			cfg.Queues.WorkerQueues = append(cfg.Queues.WorkerQueues, q)
		}
	}
	for _, k := range models.AllKinds {
		prefix := kindPrefix(k)
		cfg.Kinds[k] = KindConfig{
			SoftLimit:  secs(v, prefix+"_SOFT_TIME_LIMIT_SECS"),
			HardLimit:  secs(v, prefix+"_HARD_TIME_LIMIT_SECS"),
			MaxRetries: v.GetInt(prefix + "_MAX_RETRIES"),
		}
		if u := v.GetString("INFERENCE_" + prefix + "_URL"); u != "" {
			cfg.Inference.Endpoints[k] = u
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("AUDIOQUEUE_PORT", 8080)
	v.SetDefault("AUDIOQUEUE_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 100)

	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 25)
	v.SetDefault("DATABASE_MAX_IDLE_CONNS", 5)
	v.SetDefault("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute)

	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("INFERENCE_HTTP_TIMEOUT_SECS", 3600)

	v.SetDefault("MAX_QUEUE_SIZE", 10)
	v.SetDefault("WORKER_CONCURRENCY", 2)
	v.SetDefault("WORKER_QUEUES", strings.Join(models.AllQueues, ","))
	for q, limit := range queueDefaults {
		v.SetDefault(queueLimitKey(q), limit)
	}

	maxRetries := v.GetInt("MAX_RETRIES_PER_JOB")
	for k, d := range kindDefaults {
		prefix := kindPrefix(k)
		v.SetDefault(prefix+"_SOFT_TIME_LIMIT_SECS", int(d.SoftLimit.Seconds()))
		v.SetDefault(prefix+"_HARD_TIME_LIMIT_SECS", int(d.HardLimit.Seconds()))
		if maxRetries > 0 {
			v.SetDefault(prefix+"_MAX_RETRIES", maxRetries)
		} else {
			v.SetDefault(prefix+"_MAX_RETRIES", d.MaxRetries)
		}
	}

	v.SetDefault("RETRY_BACKOFF_SECONDS", 60)
	v.SetDefault("RETRY_MAX_BACKOFF_SECONDS", 600)
	v.SetDefault("RETRY_MAX_AGE_HOURS", 1)

	v.SetDefault("REAPER_INTERVAL_SECS", 300)
	v.SetDefault("STALE_JOB_THRESHOLD_HOURS", 2)
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validEnvs[c.Server.Env] {
		return fmt.Errorf("AUDIOQUEUE_ENV must be one of development, staging, production; got %q", c.Server.Env)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Server.LogLevel)); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if c.Inference.BaseURL != "" &&
		!strings.HasPrefix(c.Inference.BaseURL, "http://") && !strings.HasPrefix(c.Inference.BaseURL, "https://") {
		return fmt.Errorf("INFERENCE_BASE_URL must start with http:// or https://, got %q", c.Inference.BaseURL)
	}

	if c.Queues.DefaultLimit <= 0 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be positive, got %d", c.Queues.DefaultLimit)
	}
	if c.Queues.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Queues.WorkerConcurrency)
	}
	for _, q := range c.Queues.WorkerQueues {
		if _, ok := c.Queues.Limits[q]; !ok {
			return fmt.Errorf("WORKER_QUEUES: unknown queue %q", q)
		}
	}
	for q, limit := range c.Queues.Limits {
		if limit <= 0 {
			return fmt.Errorf("%s must be positive, got %d", queueLimitKey(q), limit)
		}
	}

	for k, kc := range c.Kinds {
		prefix := kindPrefix(k)
		if kc.HardLimit <= 0 {
			return fmt.Errorf("%s_HARD_TIME_LIMIT_SECS must be positive", prefix)
		}
		if kc.SoftLimit <= 0 || kc.SoftLimit > kc.HardLimit {
			return fmt.Errorf("%s_SOFT_TIME_LIMIT_SECS must be positive and not exceed the hard limit", prefix)
		}
		if kc.MaxRetries < 0 {
			return fmt.Errorf("%s_MAX_RETRIES must not be negative", prefix)
		}
	}

	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("REAPER_INTERVAL_SECS must be positive")
	}
	if c.Reaper.StaleThreshold <= 0 {
		return fmt.Errorf("STALE_JOB_THRESHOLD_HOURS must be positive")
	}
	if c.Retry.MaxAge <= 0 {
		return fmt.Errorf("RETRY_MAX_AGE_HOURS must be positive")
	}
	// A retried job keeps its created_at, so it must be able to start before
	// the reaper considers it stale.
	if c.Retry.MaxAge+c.Retry.MaxBackoff > c.Reaper.StaleThreshold {
		return fmt.Errorf("RETRY_MAX_AGE_HOURS plus RETRY_MAX_BACKOFF_SECONDS must not exceed STALE_JOB_THRESHOLD_HOURS (%s + %s > %s)",
			c.Retry.MaxAge, c.Retry.MaxBackoff, c.Reaper.StaleThreshold)
	}

	return nil
}

// SlogLevel returns the configured log level, defaulting to info.
func (c ServerConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Kind returns the execution budget for k, falling back to the built-in default.
func (c *Config) Kind(k models.JobKind) KindConfig {
	if kc, ok := c.Kinds[k]; ok {
		return kc
	}
	return kindDefaults[k]
}

func queueLimitKey(queue string) string {
	return "QUEUE_" + strings.ToUpper(queue) + "_CONCURRENCY"
}

func kindPrefix(k models.JobKind) string {
	return strings.ToUpper(string(k))
}

func secs(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

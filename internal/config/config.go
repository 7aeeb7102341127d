package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ignite/snowball-engine/internal/domain"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override, e.g. SNOWBALL_ENGINE_BATCH_SIZE
// or SNOWBALL_LOGGING_LEVEL.
const EnvPrefix = "SNOWBALL"

// Config holds all configuration for the engine processes.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Engine    EngineConfig    `yaml:"engine"`
	Guard     GuardConfig     `yaml:"guard"`
	Queue     QueueConfig     `yaml:"queue"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Notify    NotifyConfig    `yaml:"notify"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level     string `yaml:"level" split_words:"true"`
	Format    string `yaml:"format" split_words:"true"`
	RedactPII *bool  `yaml:"redact_pii" ignored:"true"`
}

// Redact defaults to true.
func (c LoggingConfig) Redact() bool { return c.RedactPII == nil || *c.RedactPII }

// PostgresConfig holds the document store connection. An empty URL selects
// the in-memory store.
type PostgresConfig struct {
	URL             string        `yaml:"url" split_words:"true"`
	MaxOpenConns    int           `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns    int           `yaml:"max_idle_conns" split_words:"true"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" split_words:"true"`
}

// RedisConfig holds the cache/lock/queue connection.
type RedisConfig struct {
	Addr     string `yaml:"addr" split_words:"true"`
	Password string `yaml:"password" split_words:"true"`
	DB       int    `yaml:"db" split_words:"true"`
}

// EngineConfig holds the distribution defaults; repository settings override
// the policy fields.
type EngineConfig struct {
	BatchSize          int                   `yaml:"batch_size" split_words:"true"`
	MaxFileBytes       int64                 `yaml:"max_file_bytes" split_words:"true"`
	MaxRows            int                   `yaml:"max_rows" split_words:"true"`
	ProcessingTimeout  time.Duration         `yaml:"processing_timeout" split_words:"true"`
	LockTTL            time.Duration         `yaml:"lock_ttl" split_words:"true"`
	LockMaxAttempts    int                   `yaml:"lock_max_attempts" split_words:"true"`
	LockRetryBase      time.Duration         `yaml:"lock_retry_base" split_words:"true"`
	LockRetryMax       time.Duration         `yaml:"lock_retry_max" split_words:"true"`
	MaxGenerationDepth int                   `yaml:"max_generation_depth" split_words:"true"`
	QualityThreshold   float64               `yaml:"quality_threshold" split_words:"true"`
	AutoApprove        bool                  `yaml:"auto_approve" split_words:"true"`
	DoubleOptIn        bool                  `yaml:"double_opt_in" split_words:"true"`
	DailyAddLimit      int                   `yaml:"daily_add_limit" split_words:"true"`
	DedupCacheTTL      time.Duration         `yaml:"dedup_cache_ttl" split_words:"true"`
	QualityWeights     domain.QualityWeights `yaml:"quality_weights" ignored:"true"`
}

// RepositoryDefaults converts the engine-wide policy into the settings every
// repository inherits.
func (c EngineConfig) RepositoryDefaults() domain.RepositorySettings {
	autoApprove, doubleOptIn := c.AutoApprove, c.DoubleOptIn
	return domain.RepositorySettings{
		AutoApprove:        &autoApprove,
		MaxGenerationDepth: c.MaxGenerationDepth,
		QualityThreshold:   c.QualityThreshold,
		DailyAddLimit:      c.DailyAddLimit,
		DoubleOptIn:        &doubleOptIn,
		QualityWeights:     c.QualityWeights,
	}
}

// GuardConfig holds rate and abuse limits.
type GuardConfig struct {
	DailyUploads     int           `yaml:"daily_uploads" split_words:"true"`
	MaxRowsPerUpload int           `yaml:"max_rows_per_upload" split_words:"true"`
	MinAccountAge    time.Duration `yaml:"min_account_age" split_words:"true"`
	MinKarma         int           `yaml:"min_karma" split_words:"true"`
	BlockedDomains   []string      `yaml:"blocked_domains" split_words:"true"`
	BlockedPatterns  []string      `yaml:"blocked_patterns" split_words:"true"`
}

// QueueConfig holds durable queue and worker pool settings.
type QueueConfig struct {
	Name              string        `yaml:"name" split_words:"true"`
	Concurrency       int           `yaml:"concurrency" split_words:"true"`
	Attempts          int           `yaml:"attempts" split_words:"true"`
	BaseDelay         time.Duration `yaml:"base_delay" split_words:"true"`
	MaxDelay          time.Duration `yaml:"max_delay" split_words:"true"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" split_words:"true"`
	PollWait          time.Duration `yaml:"poll_wait" split_words:"true"`
	ReapInterval      time.Duration `yaml:"reap_interval" split_words:"true"`
}

// AnalyticsConfig holds growth analytics settings.
type AnalyticsConfig struct {
	WindowDays       int           `yaml:"window_days" split_words:"true"`
	CacheTTL         time.Duration `yaml:"cache_ttl" split_words:"true"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" split_words:"true"`
}

// NotifyConfig holds notification dispatch settings.
type NotifyConfig struct {
	Channel string        `yaml:"channel" split_words:"true"`
	SES     SESConfig     `yaml:"ses"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig holds the outbound notification webhook. An empty URL
// disables it.
type WebhookConfig struct {
	URL         string        `yaml:"url"`
	Secret      string        `yaml:"secret"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts" split_words:"true"`
}

// SESConfig holds the summary email sender.
type SESConfig struct {
	Enabled       bool    `yaml:"enabled" split_words:"true"`
	Region        string  `yaml:"region" split_words:"true"`
	AccessKey     string  `yaml:"access_key" split_words:"true"`
	SecretKey     string  `yaml:"secret_key" split_words:"true"`
	FromEmail     string  `yaml:"from_email" split_words:"true"`
	RatePerSecond float64 `yaml:"rate_per_second" split_words:"true"`
}

// ArchiveConfig holds the raw upload archive.
type ArchiveConfig struct {
	Enabled    bool   `yaml:"enabled" split_words:"true"`
	Bucket     string `yaml:"bucket" split_words:"true"`
	Region     string `yaml:"region" split_words:"true"`
	AWSProfile string `yaml:"aws_profile" split_words:"true"`
	Prefix     string `yaml:"prefix" split_words:"true"`
}

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr" split_words:"true"`
}

// Load reads a YAML file and fills defaults.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// LoadFromEnv loads .env (if present), the optional YAML file, then applies
// SNOWBALL_* overrides and defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = readFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	// Conventional deployment variables win over the file as well.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}

	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Postgres.MaxOpenConns == 0 {
		cfg.Postgres.MaxOpenConns = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	e := &cfg.Engine
	if e.BatchSize == 0 {
		e.BatchSize = 100
	}
	if e.MaxFileBytes == 0 {
		e.MaxFileBytes = 10 << 20
	}
	if e.MaxRows == 0 {
		e.MaxRows = 10000
	}
	if e.ProcessingTimeout == 0 {
		e.ProcessingTimeout = 5 * time.Minute
	}
	if e.LockTTL == 0 {
		e.LockTTL = 10 * time.Second
	}
	if e.LockMaxAttempts == 0 {
		e.LockMaxAttempts = 8
	}
	if e.LockRetryBase == 0 {
		e.LockRetryBase = 250 * time.Millisecond
	}
	if e.LockRetryMax == 0 {
		e.LockRetryMax = 15 * time.Second
	}
	if e.MaxGenerationDepth == 0 {
		e.MaxGenerationDepth = 5
	}
	if e.QualityThreshold == 0 {
		e.QualityThreshold = 0.6
	}
	if e.DailyAddLimit == 0 {
		e.DailyAddLimit = 10000
	}
	if e.DedupCacheTTL == 0 {
		e.DedupCacheTTL = 24 * time.Hour
	}
	if e.QualityWeights.IsZero() {
		e.QualityWeights = domain.DefaultQualityWeights
	}

	g := &cfg.Guard
	if g.DailyUploads == 0 {
		g.DailyUploads = 5
	}
	if g.MaxRowsPerUpload == 0 {
		g.MaxRowsPerUpload = 5000
	}

	q := &cfg.Queue
	if q.Name == "" {
		q.Name = "snowball"
	}
	if q.Concurrency == 0 {
		q.Concurrency = 3
	}
	if q.Attempts == 0 {
		q.Attempts = 3
	}
	if q.BaseDelay == 0 {
		q.BaseDelay = 3 * time.Second
	}
	if q.MaxDelay == 0 {
		q.MaxDelay = 5 * time.Minute
	}
	if q.VisibilityTimeout == 0 {
		q.VisibilityTimeout = e.ProcessingTimeout
	}
	if q.PollWait == 0 {
		q.PollWait = 5 * time.Second
	}
	if q.ReapInterval == 0 {
		q.ReapInterval = 30 * time.Second
	}

	a := &cfg.Analytics
	if a.WindowDays == 0 {
		a.WindowDays = 30
	}
	if a.CacheTTL == 0 {
		a.CacheTTL = 5 * time.Minute
	}
	if a.ScheduleInterval == 0 {
		a.ScheduleInterval = 15 * time.Minute
	}

	if cfg.Notify.Channel == "" {
		cfg.Notify.Channel = "snowball:notifications"
	}
	if cfg.Notify.SES.Region == "" {
		cfg.Notify.SES.Region = "us-west-2"
	}
	if cfg.Notify.SES.RatePerSecond == 0 {
		cfg.Notify.SES.RatePerSecond = 10
	}
	if cfg.Notify.Webhook.Timeout == 0 {
		cfg.Notify.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Notify.Webhook.MaxAttempts == 0 {
		cfg.Notify.Webhook.MaxAttempts = 3
	}
	if cfg.Archive.Region == "" {
		cfg.Archive.Region = "us-west-2"
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = "uploads"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9102"
	}
}

// Validate rejects settings that defaults cannot repair.
func (cfg *Config) Validate() error {
	var errs []error
	e := cfg.Engine
	if e.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("engine.batch_size must be positive, got %d", e.BatchSize))
	}
	if e.QualityThreshold < 0 || e.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("engine.quality_threshold must be within [0,1], got %v", e.QualityThreshold))
	}
	w := e.QualityWeights
	if w.Verification < 0 || w.Active < 0 || w.Engagement < 0 {
		errs = append(errs, errors.New("engine.quality_weights must not be negative"))
	}
	if e.MaxRows < cfg.Guard.MaxRowsPerUpload {
		errs = append(errs, fmt.Errorf("guard.max_rows_per_upload (%d) exceeds engine.max_rows (%d)", cfg.Guard.MaxRowsPerUpload, e.MaxRows))
	}
	if cfg.Queue.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("queue.concurrency must be positive, got %d", cfg.Queue.Concurrency))
	}
	if cfg.Archive.Enabled && cfg.Archive.Bucket == "" {
		errs = append(errs, errors.New("archive.bucket is required when the archive is enabled"))
	}
	if cfg.Notify.SES.Enabled && cfg.Notify.SES.FromEmail == "" {
		errs = append(errs, errors.New("notify.ses.from_email is required when SES is enabled"))
	}
	return errors.Join(errs...)
}

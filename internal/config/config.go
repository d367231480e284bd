package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/elonfeng/aifeed/pkg/source"
)

// DefaultPath is read when no --config flag is given and the file exists.
const DefaultPath = "./config.yaml"

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Retention RetentionConfig `yaml:"retention"`
	Sources   []source.Config `yaml:"sources"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Lock      LockConfig      `yaml:"lock"`
	Backup    BackupConfig    `yaml:"backup"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ScheduleConfig configures the refresh cycle.
type ScheduleConfig struct {
	RefreshIntervalHours float64       `yaml:"refresh_interval_hours"`
	RunOnStart           bool          `yaml:"run_on_start"`
	CycleTimeout         time.Duration `yaml:"cycle_timeout"`
	FetchConcurrency     int           `yaml:"fetch_concurrency"`
}

// Interval returns the refresh interval as a duration.
func (s ScheduleConfig) Interval() time.Duration {
	if s.RefreshIntervalHours <= 0 {
		return time.Hour
	}
	return time.Duration(s.RefreshIntervalHours * float64(time.Hour))
}

// RetentionConfig caps the current view per category.
type RetentionConfig struct {
	Default    int            `yaml:"default"`
	Categories map[string]int `yaml:"categories"`
}

// AnalyzerConfig configures the optional content analyzer.
type AnalyzerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Provider        string        `yaml:"provider"` // "anthropic" or "openai"
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"` // custom endpoint (optional)
	Concurrency     int           `yaml:"concurrency"`
	Timeout         time.Duration `yaml:"timeout"`
	AttemptsPerPass int           `yaml:"attempts_per_pass"`
	MaxAttempts     int           `yaml:"max_attempts"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	RetryCooldown   time.Duration `yaml:"retry_cooldown"` // wait before re-analyzing a failed item
	RetryBatch      int           `yaml:"retry_batch"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	MinImportance int           `yaml:"min_importance"`
	Slack         SlackConfig   `yaml:"slack"`
	Discord       DiscordConfig `yaml:"discord"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// LockConfig configures the optional cross-process cycle lock.
type LockConfig struct {
	RedisURL string        `yaml:"redis_url"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

// BackupConfig configures database snapshots.
type BackupConfig struct {
	Dir string   `yaml:"dir"`
	S3  S3Config `yaml:"s3"`
}

// S3Config configures snapshot upload to S3-compatible storage.
type S3Config struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	KeyTemplate  string `yaml:"key_template"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./aifeed.db"},
		Schedule: ScheduleConfig{
			RefreshIntervalHours: 1,
			CycleTimeout:         5 * time.Minute,
			FetchConcurrency:     4,
		},
		Retention: RetentionConfig{Default: 100},
		Sources: []source.Config{
			{
				Name:       "arxiv",
				Kind:       source.KindPaper,
				Enabled:    true,
				MaxResults: 50,
				Categories: []string{"cs.AI", "cs.CL", "cs.CV", "cs.LG"},
			},
			{
				Name:       "newsapi",
				Kind:       source.KindNews,
				Enabled:    false,
				MaxResults: 30,
				Provider:   "newsapi",
				Keywords:   []string{"artificial intelligence", "machine learning", "LLM", "OpenAI", "Anthropic"},
			},
			{
				Name:       "hackernews",
				Kind:       source.KindNews,
				Enabled:    true,
				MaxResults: 30,
				Provider:   "hackernews",
			},
			{
				Name:       "youtube",
				Kind:       source.KindVideo,
				Enabled:    false,
				MaxResults: 20,
				Keywords:   []string{"AI news", "LLM", "machine learning"},
			},
			{
				Name:       "company-blogs",
				Kind:       source.KindBlog,
				Enabled:    true,
				MaxResults: 30,
				Feeds: []source.Feed{
					{Name: "OpenAI", URL: "https://openai.com/news/rss.xml"},
					{Name: "Google AI", URL: "https://blog.google/technology/ai/rss/"},
					{Name: "Hugging Face", URL: "https://huggingface.co/blog/feed.xml"},
					{Name: "TechCrunch AI", URL: "https://techcrunch.com/category/artificial-intelligence/feed/"},
				},
			},
		},
		Analyzer: AnalyzerConfig{
			Provider:        "anthropic",
			Concurrency:     4,
			Timeout:         60 * time.Second,
			AttemptsPerPass: 3,
			MaxAttempts:     9,
			BackoffBase:     2 * time.Second,
			RetryCooldown:   30 * time.Minute,
			RetryBatch:      50,
		},
		Alerts: AlertsConfig{MinImportance: 8},
		Lock: LockConfig{
			Key: "aifeed:refresh",
			TTL: 15 * time.Minute,
		},
		Backup: BackupConfig{
			Dir: "./backups",
			S3:  S3Config{Region: "us-east-1", KeyTemplate: "backups/{Y}/{m}/{filename}"},
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
// An empty path loads DefaultPath when it exists, otherwise defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AIFEED_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AIFEED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if src.APIKey != "" {
			continue
		}
		switch {
		case src.Kind == source.KindNews && (src.Provider == "" || src.Provider == "newsapi"):
			if v := os.Getenv("NEWS_API_KEY"); v != "" {
				src.APIKey = v
				src.Enabled = true
			}
		case src.Kind == source.KindVideo:
			if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
				src.APIKey = v
				src.Enabled = true
			}
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
		cfg.Analyzer.Enabled = true
		cfg.Analyzer.Provider = "openai"
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Analyzer.APIKey = v
		cfg.Analyzer.Enabled = true
		cfg.Analyzer.Provider = "anthropic"
	}
	if v := os.Getenv("AIFEED_REDIS_URL"); v != "" {
		cfg.Lock.RedisURL = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		cfg.Backup.S3.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		cfg.Backup.S3.SecretKey = v
	}
}

// Validate checks the configuration for values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is empty"))
	}
	if c.Schedule.RefreshIntervalHours < 0 {
		errs = append(errs, errors.New("schedule.refresh_interval_hours must not be negative"))
	}
	if c.Retention.Default < 0 {
		errs = append(errs, errors.New("retention.default must not be negative"))
	}
	for cat, n := range c.Retention.Categories {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("retention.categories.%s must be positive", cat))
		}
	}

	names := make(map[string]bool)
	for i, src := range c.Sources {
		if !src.Kind.Valid() {
			errs = append(errs, fmt.Errorf("sources[%d]: unknown kind %q", i, src.Kind))
		}
		if src.MaxResults < 0 {
			errs = append(errs, fmt.Errorf("sources[%d]: max_results must not be negative", i))
		}
		label := src.Label()
		if names[label] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate source name %q", i, label))
		}
		names[label] = true
	}

	if c.Analyzer.Enabled {
		switch c.Analyzer.Provider {
		case "anthropic", "openai":
		default:
			errs = append(errs, fmt.Errorf("analyzer.provider %q is not supported", c.Analyzer.Provider))
		}
		if c.Analyzer.APIKey == "" {
			errs = append(errs, errors.New("analyzer.api_key is empty"))
		}
	}
	if c.Backup.S3.Enabled && c.Backup.S3.Bucket == "" {
		errs = append(errs, errors.New("backup.s3.bucket is empty"))
	}
	return errors.Join(errs...)
}

// EnabledSources returns the enabled sources in configuration order.
func (c *Config) EnabledSources() []source.Config {
	var out []source.Config
	for _, src := range c.Sources {
		if src.Enabled {
			out = append(out, src)
		}
	}
	return out
}

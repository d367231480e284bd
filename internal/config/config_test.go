package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/aifeed/pkg/source"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Schedule.Interval() != time.Hour {
		t.Fatalf("default interval = %v", cfg.Schedule.Interval())
	}
	for _, src := range cfg.EnabledSources() {
		if !src.Enabled {
			t.Fatalf("disabled source %q returned", src.Name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/feed.db
schedule:
  refresh_interval_hours: 0.5
  cycle_timeout: 90s
retention:
  default: 20
  categories:
    blog: 2
sources:
  - name: blogs
    kind: blog
    enabled: true
    max_results: 2
    timeout: 10s
    feeds:
      - name: Example
        url: https://example.com/feed.xml
analyzer:
  backoff_base: 500ms
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/tmp/feed.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Schedule.Interval() != 30*time.Minute || cfg.Schedule.CycleTimeout != 90*time.Second {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.Schedule.FetchConcurrency != 4 {
		t.Errorf("unset fetch_concurrency should keep default, got %d", cfg.Schedule.FetchConcurrency)
	}
	if cfg.Retention.Categories["blog"] != 2 || cfg.Retention.Default != 20 {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if len(cfg.Sources) != 1 {
		t.Fatalf("sources should replace defaults, got %d", len(cfg.Sources))
	}
	src := cfg.Sources[0]
	if src.Kind != source.KindBlog || src.Timeout != 10*time.Second || len(src.Feeds) != 1 {
		t.Errorf("source = %+v", src)
	}
	if cfg.Analyzer.BackoffBase != 500*time.Millisecond || cfg.Analyzer.MaxAttempts != 9 {
		t.Errorf("analyzer = %+v", cfg.Analyzer)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AIFEED_DB_PATH", "/data/env.db")
	t.Setenv("NEWS_API_KEY", "news-key")
	t.Setenv("YOUTUBE_API_KEY", "yt-key")
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	t.Setenv("AIFEED_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.test/x")
	t.Setenv("AIFEED_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "log:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != "/data/env.db" || cfg.Log.Level != "debug" {
		t.Errorf("db/log overrides not applied: %q %q", cfg.Database.Path, cfg.Log.Level)
	}
	for _, src := range cfg.Sources {
		switch {
		case src.Name == "newsapi":
			if src.APIKey != "news-key" || !src.Enabled {
				t.Errorf("newsapi source not enabled by env: %+v", src)
			}
		case src.Name == "hackernews":
			if src.APIKey != "" {
				t.Errorf("hackernews should not receive the NewsAPI key")
			}
		case src.Kind == source.KindVideo:
			if src.APIKey != "yt-key" || !src.Enabled {
				t.Errorf("video source not enabled by env: %+v", src)
			}
		}
	}
	if !cfg.Analyzer.Enabled || cfg.Analyzer.Provider != "anthropic" || cfg.Analyzer.APIKey != "ant-key" {
		t.Errorf("analyzer = %+v", cfg.Analyzer)
	}
	if cfg.Lock.RedisURL == "" || !cfg.Alerts.Slack.Enabled {
		t.Errorf("lock/alerts overrides not applied")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown kind", func(c *Config) { c.Sources[0].Kind = "podcast" }, "unknown kind"},
		{"duplicate name", func(c *Config) { c.Sources[1].Name = c.Sources[0].Name }, "duplicate source name"},
		{"bad cap", func(c *Config) { c.Retention.Categories = map[string]int{"blog": 0} }, "retention.categories.blog"},
		{"analyzer key", func(c *Config) { c.Analyzer.Enabled = true }, "analyzer.api_key"},
		{"analyzer provider", func(c *Config) {
			c.Analyzer.Enabled, c.Analyzer.APIKey, c.Analyzer.Provider = true, "k", "gemini"
		}, "analyzer.provider"},
		{"s3 bucket", func(c *Config) { c.Backup.S3.Enabled = true }, "backup.s3.bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

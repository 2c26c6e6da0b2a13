// Package common holds process-wide concerns: configuration loading and
// the structured logger.
package common

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// UserAgent identifies every outbound fetch this crawler makes, both for
// page content and for robots.txt/sitemap discovery.
const UserAgent = "DocspastaCrawler/1.0 (+https://docspasta.example/crawler)"

// Config is the root application configuration, loaded from a TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Logging LoggingConfig `toml:"logging"`
	Crawler CrawlerConfig `toml:"crawler"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig configures the on-disk KV store backing the engine's
// shared state.
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	FilePath   string   `toml:"file_path"`
	TimeFormat string   `toml:"time_format"`
}

// CrawlerConfig carries the job-option defaults and a few process-level
// knobs (reaper cadence) that aren't per-job.
type CrawlerConfig struct {
	MaxPages            int    `toml:"max_pages"`
	MaxDepth            int    `toml:"max_depth"`
	MaxWorkers          int    `toml:"max_workers"`
	BatchCount          int    `toml:"batch_count"`
	SoftDeadlineRaw     string `toml:"soft_deadline"`
	PageTimeoutRaw      string `toml:"page_timeout"`
	JobTimeoutRaw       string `toml:"job_timeout"`
	QualityThreshold    int    `toml:"quality_threshold"`
	FollowExternalLinks bool   `toml:"follow_external_links"`
	RespectRobots       bool   `toml:"respect_robots"`
	UseSitemap          bool   `toml:"use_sitemap"`
	MaxLinksPerPage     int    `toml:"max_links_per_page"`
	ReinvokeMarginRaw   string `toml:"reinvoke_margin"`
	JobTTLRaw           string `toml:"job_ttl"`
	ReaperSchedule      string `toml:"reaper_schedule"` // cron expression
}

// Load reads and parses a TOML config file, applying defaults for any
// zero-valued field the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config populated with the standard job-option defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Storage: StorageConfig{
			Badger: BadgerConfig{Path: "./data/crawler.db"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		Crawler: CrawlerConfig{
			MaxPages:          50,
			MaxDepth:          2,
			MaxWorkers:        5,
			BatchCount:        10,
			SoftDeadlineRaw:   "25s",
			PageTimeoutRaw:    "8s",
			JobTimeoutRaw:     "300s",
			QualityThreshold:  20,
			RespectRobots:     true,
			UseSitemap:        true,
			MaxLinksPerPage:   50,
			ReinvokeMarginRaw: "5s",
			JobTTLRaw:         "24h",
			ReaperSchedule:    "@every 1h",
		},
	}
}

func (c *CrawlerConfig) softDeadline() time.Duration {
	return mustDuration(c.SoftDeadlineRaw, 25*time.Second)
}
func (c *CrawlerConfig) pageTimeout() time.Duration {
	return mustDuration(c.PageTimeoutRaw, 8*time.Second)
}
func (c *CrawlerConfig) jobTimeout() time.Duration {
	return mustDuration(c.JobTimeoutRaw, 300*time.Second)
}
func (c *CrawlerConfig) reinvokeMargin() time.Duration {
	return mustDuration(c.ReinvokeMarginRaw, 5*time.Second)
}
func (c *CrawlerConfig) jobTTL() time.Duration { return mustDuration(c.JobTTLRaw, 24*time.Hour) }

// SoftDeadline returns the per-invocation time budget before reinvoking.
func (c *CrawlerConfig) SoftDeadline() time.Duration { return c.softDeadline() }

// PageTimeout returns the HTTP fetch timeout.
func (c *CrawlerConfig) PageTimeout() time.Duration { return c.pageTimeout() }

// JobTimeout returns the wall-clock cap from job creation to completion.
func (c *CrawlerConfig) JobTimeout() time.Duration { return c.jobTimeout() }

// ReinvokeMargin returns the margin before the hard deadline that triggers
// self-reinvocation.
func (c *CrawlerConfig) ReinvokeMargin() time.Duration { return c.reinvokeMargin() }

// JobTTL returns the retention window for a job's KV-backed state.
func (c *CrawlerConfig) JobTTL() time.Duration { return c.jobTTL() }

func mustDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

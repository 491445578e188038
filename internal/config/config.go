package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Mailer    MailerConfig    `yaml:"mailer"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
	Launch    LaunchConfig    `yaml:"launch"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// DatabaseConfig contains storage settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig contains admin endpoint settings
type AdminConfig struct {
	// Token is the shared secret for analytics/export/dashboard endpoints.
	// Overridable via NEWSLETTER_ADMIN_TOKEN.
	Token string `yaml:"token"`
}

// SMTPConfig contains outbound mail submission settings.
// Empty credentials mean welcome emails are skipped with a warning.
type SMTPConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"` // overridable via NEWSLETTER_SMTP_PASSWORD
	FromEmail   string        `yaml:"from_email"`
	FromName    string        `yaml:"from_name"`
	SendTimeout time.Duration `yaml:"send_timeout"`
	SiteURL     string        `yaml:"site_url"` // base URL used in email links
}

// CORSConfig contains allowed browser origins
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RateLimitConfig contains per-IP request budgets over a fixed window
type RateLimitConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Window     time.Duration `yaml:"window"`
	WriteLimit int           `yaml:"write_limit"` // signup-family POSTs
	ReadLimit  int           `yaml:"read_limit"`  // everything else that is limited
}

// MailerConfig contains welcome email queue settings
type MailerConfig struct {
	QueuePath       string        `yaml:"queue_path"`
	Workers         int           `yaml:"workers"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	QueueLimit      int           `yaml:"queue_limit"` // pending tasks beyond this are rejected
}

// AnalyticsConfig contains aggregation settings
type AnalyticsConfig struct {
	DefaultWindowDays int `yaml:"default_window_days"`
	MaxWindowDays     int `yaml:"max_window_days"`
	TopReferrers      int `yaml:"top_referrers"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// LaunchConfig contains the public launch date, used for display only
type LaunchConfig struct {
	Date string `yaml:"date"` // RFC3339
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides secrets from the environment so they can be kept out of
// the config file
func (c *Config) applyEnv() {
	if v := os.Getenv("NEWSLETTER_ADMIN_TOKEN"); v != "" {
		c.Admin.Token = v
	}
	if v := os.Getenv("NEWSLETTER_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8044"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/newsletterd/newsletter.db"
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.SendTimeout == 0 {
		c.SMTP.SendTimeout = 30 * time.Second
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.WriteLimit == 0 {
		c.RateLimit.WriteLimit = 5
	}
	if c.RateLimit.ReadLimit == 0 {
		c.RateLimit.ReadLimit = 60
	}

	if c.Mailer.QueuePath == "" {
		c.Mailer.QueuePath = "/var/lib/newsletterd/mailqueue.db"
	}
	if c.Mailer.Workers == 0 {
		c.Mailer.Workers = 2
	}
	if c.Mailer.MaxRetries == 0 {
		c.Mailer.MaxRetries = 3
	}
	if c.Mailer.RetryInterval == 0 {
		c.Mailer.RetryInterval = time.Minute
	}
	if c.Mailer.ProcessInterval == 0 {
		c.Mailer.ProcessInterval = time.Second
	}
	if c.Mailer.QueueLimit == 0 {
		c.Mailer.QueueLimit = 1000
	}

	if c.Analytics.DefaultWindowDays == 0 {
		c.Analytics.DefaultWindowDays = 30
	}
	if c.Analytics.MaxWindowDays == 0 {
		c.Analytics.MaxWindowDays = 365
	}
	if c.Analytics.TopReferrers == 0 {
		c.Analytics.TopReferrers = 10
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Admin.Token == "" {
		return fmt.Errorf("admin.token is required (or set NEWSLETTER_ADMIN_TOKEN)")
	}

	if c.SMTP.Username != "" || c.SMTP.Password != "" {
		if c.SMTP.Host == "" {
			return fmt.Errorf("smtp.host is required when SMTP credentials are set")
		}
		if c.SMTP.FromEmail == "" {
			return fmt.Errorf("smtp.from_email is required when SMTP credentials are set")
		}
	}

	if c.RateLimit.WriteLimit < 0 || c.RateLimit.ReadLimit < 0 {
		return fmt.Errorf("rate_limit limits must not be negative")
	}

	if c.Launch.Date != "" {
		if _, err := time.Parse(time.RFC3339, c.Launch.Date); err != nil {
			return fmt.Errorf("invalid launch.date: %w", err)
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// SMTPConfigured reports whether outbound mail can be sent
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.Username != "" && c.SMTP.Password != ""
}

// LaunchDate returns the parsed launch date, or zero time if unset
func (c *Config) LaunchDate() time.Time {
	if c.Launch.Date == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.Launch.Date)
	if err != nil {
		return time.Time{}
	}
	return t
}

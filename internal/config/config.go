package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jasperdg/session-change-monitoring/internal/logging"
)

// EnvPrefix namespaces environment overrides, e.g. SCM_DATABASE_DSN.
const EnvPrefix = "SCM"

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Query     QueryConfig     `mapstructure:"query"`
	Outliers  OutliersConfig  `mapstructure:"outliers"`
	Tables    TablesConfig    `mapstructure:"tables"`
	Retention RetentionConfig `mapstructure:"retention"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Digest    DigestConfig    `mapstructure:"digest"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// IsProduction reports whether the deployment is production.
func (a AppConfig) IsProduction() bool {
	return strings.EqualFold(a.Environment, "production")
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
	AutoMigrate      bool          `mapstructure:"auto_migrate"`
}

// ServerConfig covers the dashboard HTTP API.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig guards the dashboard with a shared password cookie.
type AuthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Password      string        `mapstructure:"password"`
	SessionSecret string        `mapstructure:"session_secret"`
	CookieMaxAge  time.Duration `mapstructure:"cookie_max_age"`
	SecureCookie  bool          `mapstructure:"secure_cookie"`
}

// QueryConfig bounds history reads.
type QueryConfig struct {
	MaxChartPoints    int `mapstructure:"max_chart_points"`
	DefaultLimit      int `mapstructure:"default_limit"`
	MaxLimit          int `mapstructure:"max_limit"`
	MaxTimeRangeLimit int `mapstructure:"max_time_range_limit"`
}

// OutliersConfig tunes daily extreme lookups.
type OutliersConfig struct {
	DefaultTimezone string        `mapstructure:"default_timezone"`
	ContextWindow   time.Duration `mapstructure:"context_window"`
}

// TablesConfig is the sample table allow-list.
type TablesConfig struct {
	Default  string   `mapstructure:"default"`
	Allowed  []string `mapstructure:"allowed"`
	Discover bool     `mapstructure:"discover"`
}

// RetentionConfig governs expiry of old samples.
type RetentionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	KeepDays        int           `mapstructure:"keep_days"`
	Interval        time.Duration `mapstructure:"interval"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// KeepFor converts KeepDays into a duration.
func (r RetentionConfig) KeepFor() time.Duration {
	return time.Duration(r.KeepDays) * 24 * time.Hour
}

// IngestConfig lists every sample producer the server runs.
type IngestConfig struct {
	Token          string        `mapstructure:"token"`
	SlowInsert     time.Duration `mapstructure:"slow_insert"`
	Feeds          []FeedConfig  `mapstructure:"feeds"`
	Vaults         []VaultConfig `mapstructure:"vaults"`
	Kafka          KafkaConfig   `mapstructure:"kafka"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// FeedConfig is an HTTP endpoint returning a composite-rate payload.
type FeedConfig struct {
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	Table    string        `mapstructure:"table"`
	Interval time.Duration `mapstructure:"interval"`
}

// VaultConfig is an ERC-4626 vault whose share price is sampled on-chain.
type VaultConfig struct {
	Name           string        `mapstructure:"name"`
	RPCURL         string        `mapstructure:"rpc_url"`
	Address        string        `mapstructure:"address"`
	AssetDecimals  int           `mapstructure:"asset_decimals"`
	ShareDecimals  int           `mapstructure:"share_decimals"`
	Table          string        `mapstructure:"table"`
	Interval       time.Duration `mapstructure:"interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// KafkaConfig consumes composite-rate payloads from a topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
	Table   string   `mapstructure:"table"`
}

// DigestConfig schedules the end-of-day outlier summary.
type DigestConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Timezone string         `mapstructure:"timezone"`
	Tables   []string       `mapstructure:"tables"`
	Delay    time.Duration  `mapstructure:"delay"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds Telegram bot delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// SessionsConfig points at the per-table trading session catalog.
type SessionsConfig struct {
	Path string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "session-change-monitoring")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.statement_timeout", "30s")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("server.auth.password", "")
	v.SetDefault("server.auth.session_secret", "")
	v.SetDefault("server.auth.cookie_max_age", "24h")
	v.SetDefault("server.auth.secure_cookie", false)

	v.SetDefault("query.max_chart_points", 1000)
	v.SetDefault("query.default_limit", 500)
	v.SetDefault("query.max_limit", 10000)
	v.SetDefault("query.max_time_range_limit", 100000)

	v.SetDefault("outliers.default_timezone", "UTC")
	v.SetDefault("outliers.context_window", "60s")

	v.SetDefault("tables.default", "composite_rates")
	v.SetDefault("tables.allowed", []string{})
	v.SetDefault("tables.discover", false)

	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.keep_days", 7)
	v.SetDefault("retention.interval", "1h")
	v.SetDefault("retention.advisory_lock_key", int64(0x73636d72))

	v.SetDefault("ingest.token", "")
	v.SetDefault("ingest.slow_insert", "500ms")
	v.SetDefault("ingest.request_timeout", "10s")
	v.SetDefault("ingest.user_agent", "session-change-monitoring/1.0")
	v.SetDefault("ingest.kafka.enabled", false)
	v.SetDefault("ingest.kafka.group_id", "session-change-monitoring")

	v.SetDefault("digest.enabled", false)
	v.SetDefault("digest.timezone", "UTC")
	v.SetDefault("digest.delay", "5m")
	v.SetDefault("digest.telegram.enabled", false)
	v.SetDefault("digest.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("sessions.path", "config/sessions.json")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Query.MaxChartPoints <= 0 {
		return fmt.Errorf("query.max_chart_points must be greater than zero")
	}
	if c.Query.DefaultLimit <= 0 || c.Query.MaxLimit <= 0 || c.Query.MaxTimeRangeLimit <= 0 {
		return fmt.Errorf("query limits must be greater than zero")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return fmt.Errorf("query.default_limit cannot exceed query.max_limit")
	}
	if c.Query.MaxTimeRangeLimit < c.Query.MaxLimit {
		return fmt.Errorf("query.max_time_range_limit cannot be below query.max_limit")
	}
	if c.Outliers.ContextWindow <= 0 {
		return fmt.Errorf("outliers.context_window must be greater than zero")
	}
	if _, err := time.LoadLocation(c.Outliers.DefaultTimezone); err != nil {
		return fmt.Errorf("outliers.default_timezone: %w", err)
	}
	if c.Tables.Default == "" {
		return fmt.Errorf("tables.default is required")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.Password == "" {
		return fmt.Errorf("server.auth.password is required when auth is enabled")
	}
	if c.Retention.Enabled {
		if c.Retention.KeepDays <= 0 {
			return fmt.Errorf("retention.keep_days must be greater than zero")
		}
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be greater than zero")
		}
	}
	for i, feed := range c.Ingest.Feeds {
		if feed.URL == "" {
			return fmt.Errorf("ingest.feeds[%d].url is required", i)
		}
		if feed.Interval <= 0 {
			return fmt.Errorf("ingest.feeds[%d].interval must be greater than zero", i)
		}
	}
	for i, vault := range c.Ingest.Vaults {
		if vault.RPCURL == "" || vault.Address == "" {
			return fmt.Errorf("ingest.vaults[%d] requires rpc_url and address", i)
		}
		if vault.Interval <= 0 {
			return fmt.Errorf("ingest.vaults[%d].interval must be greater than zero", i)
		}
	}
	if c.Ingest.Kafka.Enabled {
		if len(c.Ingest.Kafka.Brokers) == 0 || c.Ingest.Kafka.Topic == "" {
			return fmt.Errorf("ingest.kafka requires brokers and topic")
		}
	}
	if c.Digest.Enabled {
		if _, err := time.LoadLocation(c.Digest.Timezone); err != nil {
			return fmt.Errorf("digest.timezone: %w", err)
		}
	}
	if c.Digest.Telegram.Enabled {
		if c.Digest.Telegram.BotToken == "" {
			return fmt.Errorf("digest.telegram.bot_token is required")
		}
		if c.Digest.Telegram.ChatID == "" {
			return fmt.Errorf("digest.telegram.chat_id is required")
		}
	}
	return nil
}

// TableNames returns every configured table, the default first.
func (c *Config) TableNames() []string {
	names := []string{c.Tables.Default}
	seen := map[string]bool{c.Tables.Default: true}
	extra := append([]string{}, c.Tables.Allowed...)
	for _, feed := range c.Ingest.Feeds {
		extra = append(extra, feed.Table)
	}
	for _, vault := range c.Ingest.Vaults {
		extra = append(extra, vault.Table)
	}
	extra = append(extra, c.Ingest.Kafka.Table)
	extra = append(extra, c.Digest.Tables...)
	for _, name := range extra {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

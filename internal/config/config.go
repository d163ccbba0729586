package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"tick-downloader/internal/logging"
	"tick-downloader/internal/ticks"
)

// ErrInvalid marks configuration errors. They are raised before any I/O.
var ErrInvalid = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Download  DownloadConfig  `mapstructure:"download"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Mirror    MirrorConfig    `mapstructure:"mirror"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DownloadConfig selects the instrument and time range to ingest.
type DownloadConfig struct {
	Exchange         string        `mapstructure:"exchange"`
	Market           string        `mapstructure:"market"`
	Symbol           string        `mapstructure:"symbol"`
	StartDate        string        `mapstructure:"start_date"`
	EndDate          string        `mapstructure:"end_date"`
	BaseDir          string        `mapstructure:"base_dir"`
	BaseURL          string        `mapstructure:"base_url"`
	FetchDelay       time.Duration `mapstructure:"fetch_delay"`
	SettleWindow     time.Duration `mapstructure:"settle_window"`
	LocatorMaxRounds int           `mapstructure:"locator_max_rounds"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// ArchiveConfig governs bulk archive ingestion.
type ArchiveConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Format         string        `mapstructure:"format"`
	DailyBaseURL   string        `mapstructure:"daily_base_url"`
	MonthlyBaseURL string        `mapstructure:"monthly_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CacheConfig locates the materialised array cache.
type CacheConfig struct {
	Dir         string `mapstructure:"dir"`
	SessionName string `mapstructure:"session_name"`
	SingleFile  bool   `mapstructure:"single_file"`
	NSpans      int    `mapstructure:"n_spans"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	UseAdvisoryLock bool          `mapstructure:"use_advisory_lock"`
}

// SchedulerConfig governs follow mode cadence.
type SchedulerConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	AlignToStart bool          `mapstructure:"align_to_start"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig routes run notifications.
type AlertingConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	OnlyOnFailure bool           `mapstructure:"only_on_failure"`
	Channels      []string       `mapstructure:"channels"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot target.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MirrorConfig describes the S3 bucket chunks are mirrored to.
type MirrorConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TICKDL")
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
	v.SetDefault("app.name", "tickdl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("download.exchange", "binance")
	v.SetDefault("download.market", "um")
	v.SetDefault("download.symbol", "BTCUSDT")
	v.SetDefault("download.start_date", "2021-01-01")
	v.SetDefault("download.end_date", "-1")
	v.SetDefault("download.base_dir", "historical_data")
	v.SetDefault("download.fetch_delay", "750ms")
	v.SetDefault("download.settle_window", "10s")
	v.SetDefault("download.locator_max_rounds", 100)
	v.SetDefault("download.request_timeout", "15s")
	v.SetDefault("download.base_url", "")

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.format", "zip")
	v.SetDefault("archive.request_timeout", "5m")
	v.SetDefault("archive.daily_base_url", "")
	v.SetDefault("archive.monthly_base_url", "")

	v.SetDefault("cache.dir", "caches")
	v.SetDefault("cache.session_name", "default")
	v.SetDefault("cache.single_file", false)
	v.SetDefault("cache.n_spans", 0)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_start", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.only_on_failure", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	// empty keys stay listed so TICKDL_* variables reach Unmarshal
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.prefix", "ticks")
	v.SetDefault("mirror.region", "us-east-1")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("mirror.access_key", "")
	v.SetDefault("mirror.secret_key", "")
	v.SetDefault("mirror.use_path_style", false)

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.use_advisory_lock", true)
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

var supportedMarkets = map[string][]string{
	"binance": {"spot", "um", "cm"},
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	c.Download.Exchange = strings.ToLower(strings.TrimSpace(c.Download.Exchange))
	c.Download.Market = strings.ToLower(strings.TrimSpace(c.Download.Market))
	c.Download.Symbol = strings.ToUpper(strings.TrimSpace(c.Download.Symbol))

	markets, ok := supportedMarkets[c.Download.Exchange]
	if !ok {
		return fmt.Errorf("%w: unknown exchange %q", ErrInvalid, c.Download.Exchange)
	}
	known := false
	for _, m := range markets {
		if m == c.Download.Market {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: unknown market %q for %s", ErrInvalid, c.Download.Market, c.Download.Exchange)
	}
	if c.Download.Symbol == "" {
		return fmt.Errorf("%w: download.symbol must be set", ErrInvalid)
	}
	if c.Download.BaseDir == "" {
		return fmt.Errorf("%w: download.base_dir must be set", ErrInvalid)
	}
	if c.Download.FetchDelay < 0 {
		return fmt.Errorf("%w: download.fetch_delay cannot be negative", ErrInvalid)
	}
	if c.Download.SettleWindow < 0 {
		return fmt.Errorf("%w: download.settle_window cannot be negative", ErrInvalid)
	}

	start, err := c.StartTime()
	if err != nil {
		return err
	}
	end, err := c.EndTime()
	if err != nil {
		return err
	}
	if end != ticks.OpenEnded && end < start {
		return fmt.Errorf("%w: download.end_date is before download.start_date", ErrInvalid)
	}

	switch strings.ToLower(c.Archive.Format) {
	case "zip", "csvgz":
	default:
		return fmt.Errorf("%w: archive.format must be zip or csvgz, got %q", ErrInvalid, c.Archive.Format)
	}

	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("%w: export.max_data_points must be greater than zero", ErrInvalid)
	}
	if c.Cache.NSpans < 0 {
		return fmt.Errorf("%w: cache.n_spans cannot be negative", ErrInvalid)
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("%w: scheduler.interval must be greater than zero", ErrInvalid)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("%w: alerting.telegram.bot_token must be set", ErrInvalid)
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("%w: alerting.telegram.chat_id must be set", ErrInvalid)
		}
	}
	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		return fmt.Errorf("%w: mirror.bucket must be set when mirror.enabled", ErrInvalid)
	}
	return nil
}

// StartTime returns download.start_date in epoch milliseconds.
func (c *Config) StartTime() (int64, error) {
	t, err := ParseDate(c.Download.StartDate)
	if err != nil {
		return 0, fmt.Errorf("%w: download.start_date: %v", ErrInvalid, err)
	}
	return t.UnixMilli(), nil
}

// EndTime returns download.end_date in epoch milliseconds, or OpenEnded.
func (c *Config) EndTime() (int64, error) {
	return ParseEnd(c.Download.EndDate)
}

// ChunkDir is the directory holding the instrument's chunk files.
func (c *Config) ChunkDir() string {
	return filepath.Join(c.Download.BaseDir, c.Download.Exchange, c.Download.Market, c.Download.Symbol)
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDate accepts the supported date layouts and interprets zone-less
// values as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// ParseEnd parses an end bound; "" and "-1" mean open-ended.
func ParseEnd(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-1" {
		return ticks.OpenEnded, nil
	}
	t, err := ParseDate(s)
	if err != nil {
		return 0, fmt.Errorf("%w: download.end_date: %v", ErrInvalid, err)
	}
	return t.UnixMilli(), nil
}

package config

import (
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/portal-sync/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Paths   PathsConfig   `yaml:"paths" mapstructure:"paths"`
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`
	Crawl   CrawlConfig   `yaml:"crawl" mapstructure:"crawl"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Circuit CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// PathsConfig locates the on-disk artifacts of a vendor integration.
type PathsConfig struct {
	DataDir    string `yaml:"data_dir" mapstructure:"data_dir"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	CatalogDir string `yaml:"catalog_dir" mapstructure:"catalog_dir"`
}

// CatalogConfig names the catalog files inside the catalog directory.
// Subjects may contain "{vendor}".
type CatalogConfig struct {
	Municipalities string `yaml:"municipalities" mapstructure:"municipalities"`
	Subjects       string `yaml:"subjects" mapstructure:"subjects"`
}

// CrawlConfig configures the crawl engine.
type CrawlConfig struct {
	Workers   int    `yaml:"workers" mapstructure:"workers"`
	PoolSize  int    `yaml:"pool_size" mapstructure:"pool_size"`
	DelayMs   int    `yaml:"delay_ms" mapstructure:"delay_ms"`
	UserAgent string `yaml:"user_agent" mapstructure:"user_agent"`
}

// FetchConfig configures the portal HTTP client.
type FetchConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// CircuitConfig configures the per-host circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Load reads configuration from config.yaml (optional) and PORTALSYNC_*
// environment variables, on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PORTALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("paths.data_dir", "bds")
	v.SetDefault("paths.log_dir", "logs")
	v.SetDefault("paths.catalog_dir", "data")
	v.SetDefault("catalog.municipalities", "municipalities.csv")
	v.SetDefault("catalog.subjects", "subjects_{vendor}.csv")
	v.SetDefault("crawl.workers", 1)
	v.SetDefault("crawl.pool_size", 5)
	v.SetDefault("crawl.delay_ms", 1000)
	v.SetDefault("crawl.user_agent", "Mozilla/5.0 (compatible; portal-sync/1.0)")
	v.SetDefault("fetch.max_attempts", 4)
	v.SetDefault("fetch.initial_backoff_ms", 1000)
	v.SetDefault("fetch.max_backoff_ms", 30000)
	v.SetDefault("fetch.timeout_secs", 0)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("circuit.failure_threshold", 8)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("metrics.addr", "")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []string
	if c.Paths.DataDir == "" {
		errs = append(errs, "paths.data_dir is required")
	}
	if c.Paths.LogDir == "" {
		errs = append(errs, "paths.log_dir is required")
	}
	if c.Paths.CatalogDir == "" {
		errs = append(errs, "paths.catalog_dir is required")
	}
	if c.Crawl.Workers < 1 {
		errs = append(errs, "crawl.workers must be >= 1")
	}
	if c.Crawl.PoolSize < 1 {
		errs = append(errs, "crawl.pool_size must be >= 1")
	}
	if c.Crawl.DelayMs < 0 {
		errs = append(errs, "crawl.delay_ms must be >= 0")
	}
	if c.Fetch.MaxAttempts < 1 {
		errs = append(errs, "fetch.max_attempts must be >= 1")
	}
	if c.Fetch.TimeoutSecs < 0 {
		errs = append(errs, "fetch.timeout_secs must be >= 0")
	}
	if c.Fetch.RatePerSec <= 0 {
		errs = append(errs, "fetch.rate_per_sec must be > 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// StorePath is the SQLite file of a vendor.
func (c *Config) StorePath(v model.Vendor) string {
	return filepath.Join(c.Paths.DataDir, string(v)+".db")
}

// ErrorLogPath is the pipe-delimited error log of a vendor.
func (c *Config) ErrorLogPath(v model.Vendor) string {
	return filepath.Join(c.Paths.LogDir, string(v)+"_errors.log")
}

// MarkerPath is the resume marker of a vendor.
func (c *Config) MarkerPath(v model.Vendor) string {
	return filepath.Join(c.Paths.LogDir, string(v)+"_last_run.yaml")
}

// MunicipalitiesPath is the municipality catalog file.
func (c *Config) MunicipalitiesPath() string {
	return filepath.Join(c.Paths.CatalogDir, c.Catalog.Municipalities)
}

// SubjectsPath is the subject catalog file of a vendor.
func (c *Config) SubjectsPath(v model.Vendor) string {
	return filepath.Join(c.Paths.CatalogDir, strings.ReplaceAll(c.Catalog.Subjects, "{vendor}", string(v)))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

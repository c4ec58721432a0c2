package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Jobs     JobsConfig     `yaml:"jobs" mapstructure:"jobs"`
	Scraper  ScraperConfig  `yaml:"scraper" mapstructure:"scraper"`
	Unlocker UnlockerConfig `yaml:"unlocker" mapstructure:"unlocker"`
	Airtable AirtableConfig `yaml:"airtable" mapstructure:"airtable"`
	Enrich   EnrichConfig   `yaml:"enrich" mapstructure:"enrich"`
	Workers  WorkersConfig  `yaml:"workers" mapstructure:"workers"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// JobsConfig configures the durable job store.
type JobsConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	TTLDays int    `yaml:"ttl_days" mapstructure:"ttl_days"`
}

// ScraperConfig configures fetching of the disclosure site.
type ScraperConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs   int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ChunkDays     int    `yaml:"chunk_days" mapstructure:"chunk_days"`
	MaxRangeDays  int    `yaml:"max_range_days" mapstructure:"max_range_days"`
	UseUnlocker   bool   `yaml:"use_unlocker" mapstructure:"use_unlocker"`
	RetryAttempts int    `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// UnlockerConfig holds web-unlocker proxy API settings.
type UnlockerConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Zone    string `yaml:"zone" mapstructure:"zone"`
	Country string `yaml:"country" mapstructure:"country"`
}

// AirtableConfig holds Airtable API credentials and table names.
type AirtableConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	BaseID         string  `yaml:"base_id" mapstructure:"base_id"`
	CompaniesTable string  `yaml:"companies_table" mapstructure:"companies_table"`
	RatingsTable   string  `yaml:"ratings_table" mapstructure:"ratings_table"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BatchSize      int     `yaml:"batch_size" mapstructure:"batch_size"`
	RetryAttempts  int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	CacheTTLMins   int     `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
}

// EnrichConfig configures the CIN lookup pipeline.
type EnrichConfig struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// WorkersConfig sets worker pool sizes per queue.
type WorkersConfig struct {
	Scraping   int `yaml:"scraping" mapstructure:"scraping"`
	Extraction int `yaml:"extraction" mapstructure:"extraction"`
	Uploading  int `yaml:"uploading" mapstructure:"uploading"`
	Default    int `yaml:"default" mapstructure:"default"`
}

// ServerConfig configures the jobs API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RATINGS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("jobs.path", "jobs.db")
	v.SetDefault("jobs.ttl_days", 7)
	v.SetDefault("scraper.base_url", "https://www.infomerics.com/latest-rating")
	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("scraper.timeout_secs", 120)
	v.SetDefault("scraper.chunk_days", 30)
	v.SetDefault("scraper.max_range_days", 90)
	v.SetDefault("scraper.retry_attempts", 3)
	v.SetDefault("unlocker.base_url", "https://api.brightdata.com")
	v.SetDefault("unlocker.country", "in")
	v.SetDefault("airtable.base_url", "https://api.airtable.com/v0")
	v.SetDefault("airtable.companies_table", "Companies")
	v.SetDefault("airtable.ratings_table", "Ratings")
	v.SetDefault("airtable.rate_per_sec", 5)
	v.SetDefault("airtable.batch_size", 10)
	v.SetDefault("airtable.retry_attempts", 3)
	v.SetDefault("airtable.cache_ttl_mins", 15)
	v.SetDefault("enrich.enabled", true)
	v.SetDefault("enrich.search_base_url", "https://www.zaubacorp.com")
	v.SetDefault("workers.scraping", 2)
	v.SetDefault("workers.extraction", 4)
	v.SetDefault("workers.uploading", 2)
	v.SetDefault("workers.default", 2)

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

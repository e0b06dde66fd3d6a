package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	AQICN      AQICNConfig      `yaml:"aqicn" mapstructure:"aqicn"`
	OpenMeteo  OpenMeteoConfig  `yaml:"openmeteo" mapstructure:"openmeteo"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Locations  LocationsConfig  `yaml:"locations" mapstructure:"locations"`
	Features   FeaturesConfig   `yaml:"features" mapstructure:"features"`
	Train      TrainConfig      `yaml:"train" mapstructure:"train"`
	Predict    PredictConfig    `yaml:"predict" mapstructure:"predict"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AQICNConfig holds the World Air Quality Index API settings.
type AQICNConfig struct {
	Token   string `yaml:"token" mapstructure:"token"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// OpenMeteoConfig holds the Open-Meteo endpoints.
type OpenMeteoConfig struct {
	ForecastURL  string `yaml:"forecast_url" mapstructure:"forecast_url"`
	ArchiveURL   string `yaml:"archive_url" mapstructure:"archive_url"`
	ForecastDays int    `yaml:"forecast_days" mapstructure:"forecast_days"`
}

// StoreConfig configures the feature store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// LocationsConfig points at the monitored locations file (JSON or YAML).
type LocationsConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// FeaturesConfig configures ingestion filtering and feature recomputation.
type FeaturesConfig struct {
	PM25Max       float64 `yaml:"pm25_max" mapstructure:"pm25_max"`
	RecomputeDays int     `yaml:"recompute_days" mapstructure:"recompute_days"`
}

// TrainConfig configures the hyperparameter search and split.
type TrainConfig struct {
	Trials             int     `yaml:"trials" mapstructure:"trials"`
	Seed               int64   `yaml:"seed" mapstructure:"seed"`
	ValidationFraction float64 `yaml:"validation_fraction" mapstructure:"validation_fraction"`
	MinRows            int     `yaml:"min_rows" mapstructure:"min_rows"`
}

// PredictConfig configures batch inference.
type PredictConfig struct {
	HorizonDays      int `yaml:"horizon_days" mapstructure:"horizon_days"`
	MaxStalenessDays int `yaml:"max_staleness_days" mapstructure:"max_staleness_days"`
}

// RetryConfig configures provider retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// CircuitConfig configures the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ScheduleConfig configures the in-process daily trigger.
type ScheduleConfig struct {
	At string `yaml:"at" mapstructure:"at"` // HH:MM, UTC
}

// ServerConfig configures the dashboard server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures staleness and hindcast checks.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	HindcastMAEThreshold float64 `yaml:"hindcast_mae_threshold" mapstructure:"hindcast_mae_threshold"`
	LookbackDays         int     `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// StaleAfter returns the staleness window as a duration.
func (m MonitoringConfig) StaleAfter() time.Duration {
	return time.Duration(m.StaleAfterHours) * time.Hour
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; existing environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("AQCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("aqicn.token", "")
	v.SetDefault("aqicn.base_url", "https://api.waqi.info")
	v.SetDefault("openmeteo.forecast_url", "https://api.open-meteo.com/v1/forecast")
	v.SetDefault("openmeteo.archive_url", "https://archive-api.open-meteo.com/v1/archive")
	v.SetDefault("openmeteo.forecast_days", 10)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "aqcast.db")
	v.SetDefault("locations.file", "locations.json")
	v.SetDefault("features.pm25_max", 500.0)
	v.SetDefault("features.recompute_days", 7)
	v.SetDefault("train.trials", 30)
	v.SetDefault("train.seed", 42)
	v.SetDefault("train.validation_fraction", 0.2)
	v.SetDefault("train.min_rows", 60)
	v.SetDefault("predict.horizon_days", 7)
	v.SetDefault("predict.max_staleness_days", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("schedule.at", "06:00")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.stale_after_hours", 36)
	v.SetDefault("monitoring.hindcast_mae_threshold", 15.0)
	v.SetDefault("monitoring.lookback_days", 14)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the keys a command needs are present and sane.
func (c *Config) Validate(command string) error {
	var problems []string
	req := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	req(c.Store.DatabaseURL != "", "store.database_url is required")

	switch command {
	case "features", "daily", "schedule":
		req(c.AQICN.Token != "", "aqicn.token is required")
		req(c.OpenMeteo.ForecastDays >= c.Predict.HorizonDays+1, "openmeteo.forecast_days must exceed predict.horizon_days")
		req(c.Locations.File != "", "locations.file is required")
	case "backfill":
		req(c.OpenMeteo.ArchiveURL != "", "openmeteo.archive_url is required")
		req(c.Locations.File != "", "locations.file is required")
	case "train":
		req(c.Train.Trials > 0, "train.trials must be positive")
		req(c.Train.ValidationFraction > 0 && c.Train.ValidationFraction < 1, "train.validation_fraction must be in (0,1)")
		req(c.Train.MinRows > 0, "train.min_rows must be positive")
	case "predict":
		req(c.Predict.HorizonDays > 0, "predict.horizon_days must be positive")
		req(c.Predict.MaxStalenessDays >= 0, "predict.max_staleness_days must not be negative")
	case "dashboard":
		req(c.Server.Port > 0 && c.Server.Port <= 65535, "server.port must be between 1 and 65535")
	}
	if command == "schedule" {
		_, err := time.Parse("15:04", c.Schedule.At)
		req(err == nil, "schedule.at must be HH:MM")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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

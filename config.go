package gtfs2db

import (
	"errors"
	"fmt"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	defaultSQLitePath = "gtfs.db"
	defaultPGPort     = 5432
	defaultSSLMode    = "disable"
)

// Config holds environment-driven settings for one ingestion run.
type Config struct {
	Driver     string `validate:"oneof=sqlite postgres"`
	SQLitePath string `validate:"required_if=Driver sqlite"`

	// DatabaseURL, when set, replaces the individual DB_* settings.
	DatabaseURL string
	Host        string
	Port        int `validate:"gte=1,lte=65535"`
	Name        string
	User        string
	Password    string
	SSLMode     string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	Schema      string

	FeedPath  string
	BatchSize int     `validate:"gte=1"`
	GridSize  float64 `validate:"gt=0"`

	SentryDSN      string
	PushgatewayURL string `validate:"omitempty,url"`
}

// LoadConfig reads configuration from environment variables (optionally
// .env). It applies defaults but does not validate, so callers can override
// fields first.
func LoadConfig() (Config, error) {
	_ = godotenv.Load() // ignore missing file

	cfg := Config{
		Driver:     DriverSQLite,
		SQLitePath: defaultSQLitePath,
		Port:       defaultPGPort,
		SSLMode:    defaultSSLMode,
		BatchSize:  DefaultBatchSize,
		GridSize:   DefaultGridSize,
	}

	if v := env("GTFS_DB_DRIVER"); v != "" {
		cfg.Driver = strings.ToLower(v)
	}
	if v := env("GTFS_DB_PATH"); v != "" {
		cfg.SQLitePath = v
	}

	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.Host = env("DB_HOST")
	cfg.Name = env("DB_NAME")
	cfg.User = env("DB_USER")
	cfg.Password = os.Getenv("DB_PASSWORD")
	cfg.Schema = env("DB_SCHEMA")
	if v := env("DB_SSLMODE"); v != "" {
		cfg.SSLMode = v
	}
	if v := env("DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid DB_PORT: %s", v)
		}
		cfg.Port = port
	}

	cfg.FeedPath = env("GTFS_FEED_PATH")
	if v := env("GTFS_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("invalid GTFS_BATCH_SIZE: %s", v)
		}
		cfg.BatchSize = n
	}
	if v := env("GTFS_GRID_SIZE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return cfg, fmt.Errorf("invalid GTFS_GRID_SIZE: %s", v)
		}
		cfg.GridSize = f
	}

	cfg.SentryDSN = env("SENTRY_DSN")
	cfg.PushgatewayURL = env("PUSHGATEWAY_URL")

	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks cfg is complete for its driver.
func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Driver == DriverPostgres && cfg.DatabaseURL == "" && (cfg.Host == "" || cfg.Name == "") {
		return errors.New("invalid config: postgres needs DATABASE_URL or DB_HOST and DB_NAME")
	}
	return nil
}

// PostgresURL is DatabaseURL, or a connection URL built from the DB_*
// settings.
func (cfg Config) PostgresURL() string {
	if cfg.DatabaseURL != "" {
		return cfg.DatabaseURL
	}
	if cfg.Host == "" {
		return ""
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Name,
	}
	if cfg.User != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.User, cfg.Password)
		} else {
			u.User = url.User(cfg.User)
		}
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

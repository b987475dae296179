// Package config loads server configuration from an optional config.yaml,
// a .env file and BILLING_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/logger"
)

// EnvPrefix namespaces environment variables: BILLING_SERVER_PORT etc.
const EnvPrefix = "BILLING"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	// Used to build the DSN when PostgresDSN is empty.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns int32 `mapstructure:"max_conns"`
	Migrate  bool  `mapstructure:"migrate"`
}

// DSN returns PostgresDSN or one assembled from the discrete fields.
func (d DatabaseConfig) DSN() string {
	if d.PostgresDSN != "" {
		return d.PostgresDSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	Channel        string `mapstructure:"channel"`
	SequencePrefix string `mapstructure:"sequence_prefix"`
}

type BillingConfig struct {
	TaxRate         string `mapstructure:"tax_rate"`
	PaymentTermDays int    `mapstructure:"payment_term_days"`
	Currency        string `mapstructure:"currency"`
}

// Policy converts the section into engine terms.
func (b BillingConfig) Policy() (billing.Policy, error) {
	rate, err := decimal.NewFromString(b.TaxRate)
	if err != nil {
		return billing.Policy{}, fmt.Errorf("billing.tax_rate %q: %w", b.TaxRate, err)
	}
	return billing.Policy{
		TaxRate:         rate,
		PaymentTermDays: b.PaymentTermDays,
		Currency:        b.Currency,
	}, nil
}

type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Logger converts the section for logger.Setup.
func (l LogConfig) Logger() logger.Config {
	return logger.Config{Level: l.Level, Format: l.Format, Output: l.Output}
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads configuration. paths overrides the config.yaml search path.
func Load(paths ...string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORS.AllowedOrigins = splitOrigins(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "billing.db")
	v.SetDefault("database.postgres_dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "billing")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "billing.events")
	v.SetDefault("redis.sequence_prefix", "billing:invoice-seq:")

	v.SetDefault("billing.tax_rate", "0.20")
	v.SetDefault("billing.payment_term_days", 30)
	v.SetDefault("billing.currency", "GBP")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q: want memory, sqlite or postgres", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.SQLitePath == "" {
		return errors.New("database.sqlite_path is required for the sqlite driver")
	}

	policy, err := c.Billing.Policy()
	if err != nil {
		return err
	}
	if policy.TaxRate.IsNegative() {
		return fmt.Errorf("billing.tax_rate %s must not be negative", policy.TaxRate)
	}
	if policy.PaymentTermDays <= 0 {
		return fmt.Errorf("billing.payment_term_days %d must be positive", policy.PaymentTermDays)
	}
	if c.Billing.Currency == "" {
		return errors.New("billing.currency is required")
	}

	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval %s must be positive", c.Scheduler.Interval)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}

// splitOrigins accepts both a YAML list and one comma-separated env value.
func splitOrigins(in []string) []string {
	var out []string
	for _, s := range in {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)

	policy, err := cfg.Billing.Policy()
	require.NoError(t, err)
	assert.Equal(t, "0.2", policy.TaxRate.String())
	assert.Equal(t, 30, policy.PaymentTermDays)
	assert.Equal(t, "GBP", policy.Currency)
}

func TestLoad_FileThenEnv(t *testing.T) {
	chdir(t, t.TempDir())
	dir := t.TempDir()
	yaml := []byte(`
server:
  port: 9090
database:
  driver: memory
billing:
  currency: EUR
scheduler:
  interval: 15m
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	// GIVEN: an env var overriding the file
	t.Setenv("BILLING_SERVER_PORT", "7070")
	t.Setenv("BILLING_CORS_ALLOWED_ORIGINS", "https://a.test, https://b.test")

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, "EUR", cfg.Billing.Currency)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.Interval)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.CORS.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	wd := t.TempDir()
	chdir(t, wd)
	require.NoError(t, os.WriteFile(filepath.Join(wd, ".env"), []byte("BILLING_BILLING_CURRENCY=USD\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BILLING_BILLING_CURRENCY") })

	cfg, err := config.Load(wd)
	require.NoError(t, err)
	assert.Equal(t, "USD", cfg.Billing.Currency)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Database:  config.DatabaseConfig{Driver: "memory"},
			Billing:   config.BillingConfig{TaxRate: "0.20", PaymentTermDays: 30, Currency: "GBP"},
			Scheduler: config.SchedulerConfig{Enabled: true, Interval: time.Minute},
		}
	}

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mongo" }},
		{"negative tax", func(c *config.Config) { c.Billing.TaxRate = "-0.1" }},
		{"garbage tax", func(c *config.Config) { c.Billing.TaxRate = "twenty" }},
		{"zero terms", func(c *config.Config) { c.Billing.PaymentTermDays = 0 }},
		{"no currency", func(c *config.Config) { c.Billing.Currency = "" }},
		{"zero interval", func(c *config.Config) { c.Scheduler.Interval = 0 }},
		{"redis without addr", func(c *config.Config) { c.Redis.Enabled = true }},
	}

	base := valid()
	require.NoError(t, base.Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDSN(t *testing.T) {
	d := config.DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "billing", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/billing?sslmode=disable", d.DSN())

	d.PostgresDSN = "postgres://other"
	assert.Equal(t, "postgres://other", d.DSN())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

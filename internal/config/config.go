// Package config loads the connector configuration from a YAML file with
// ${VAR} expansion, a .env file and a few environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/peppol-connector/internal/archive"
	"github.com/rezonia/peppol-connector/internal/logger"
)

// Config is the complete connector configuration
type Config struct {
	Server           ServerConfig                 `yaml:"server"`
	Database         DatabaseConfig               `yaml:"database"`
	Log              logger.Config                `yaml:"log"`
	ActiveProvider   string                       `yaml:"active_provider"`
	Providers        map[string]map[string]string `yaml:"providers"`
	Features         Features                     `yaml:"features"`
	Expense          ExpensePolicy                `yaml:"expense"`
	Retry            RetryPolicy                  `yaml:"retry"`
	Jobs             JobsConfig                   `yaml:"jobs"`
	LogRetentionDays int                          `yaml:"log_retention_days"`
	Company          Company                      `yaml:"company"`
	Archive          archive.Config               `yaml:"archive"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Debug        bool          `yaml:"debug"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DatabaseConfig selects the database
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Features are the automation switches
type Features struct {
	AutoSend            bool `yaml:"auto_send"`
	AutoProcessReceived bool `yaml:"auto_process_received"`
	AutoCreateExpenses  bool `yaml:"auto_create_expenses"`
	NotificationPolling bool `yaml:"notification_polling"`
}

// ExpensePolicy decides when a response creates an expense automatically
type ExpensePolicy struct {
	DocumentTypes []string `yaml:"document_types"`
	ResponseCodes []string `yaml:"response_codes"`
	CategoryName  string   `yaml:"category_name"`
	CategoryID    uint     `yaml:"category_id"`
}

// RetryPolicy bounds retries of failed sends
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
}

// JobsConfig tunes the batch jobs
type JobsConfig struct {
	BatchLimit     int           `yaml:"batch_limit"`
	BatchDelay     time.Duration `yaml:"batch_delay"`
	AutoSendWindow time.Duration `yaml:"auto_send_window"`
	PollWindow     time.Duration `yaml:"poll_window"`
	StaleSending   time.Duration `yaml:"stale_sending"`
	// Interval runs the batch jobs inside serve; zero leaves them to the CLI
	Interval time.Duration `yaml:"interval"`
}

// Company is the local sender identity
type Company struct {
	Name        string `yaml:"name"`
	PeppolID    string `yaml:"peppol_id"`
	VATNumber   string `yaml:"vat_number"`
	Street      string `yaml:"street"`
	City        string `yaml:"city"`
	PostalCode  string `yaml:"postal_code"`
	CountryCode string `yaml:"country_code"`
}

// Load reads the YAML file at path. An empty path uses defaults and the
// environment only. A .env file in the working directory is loaded first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = getEnvOrDefault("DATABASE_URL", c.Database.DSN)
	c.ActiveProvider = getEnvOrDefault("PEPPOL_ACTIVE_PROVIDER", c.ActiveProvider)
	c.Server.APIKey = getEnvOrDefault("PEPPOL_API_KEY", c.Server.APIKey)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Providers == nil {
		c.Providers = map[string]map[string]string{}
	}
	if len(c.Expense.DocumentTypes) == 0 {
		c.Expense.DocumentTypes = []string{"invoice", "credit_note"}
	}
	if len(c.Expense.ResponseCodes) == 0 {
		c.Expense.ResponseCodes = []string{"AP", "PD"}
	}
	if c.Expense.CategoryName == "" {
		c.Expense.CategoryName = "PEPPOL purchases"
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = time.Minute
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 6 * time.Hour
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Jobs.BatchLimit == 0 {
		c.Jobs.BatchLimit = 50
	}
	if c.Jobs.BatchDelay == 0 {
		c.Jobs.BatchDelay = 500 * time.Millisecond
	}
	if c.Jobs.AutoSendWindow == 0 {
		c.Jobs.AutoSendWindow = 7 * 24 * time.Hour
	}
	if c.Jobs.PollWindow == 0 {
		c.Jobs.PollWindow = 15 * time.Minute
	}
	if c.Jobs.StaleSending == 0 {
		c.Jobs.StaleSending = 15 * time.Minute
	}
	if c.LogRetentionDays == 0 {
		c.LogRetentionDays = 30
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "peppol"
	}
}

// Validate checks the values Load cannot default
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be positive"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("retry.multiplier must be at least 1"))
	}
	if c.Jobs.Interval < 0 {
		errs = append(errs, errors.New("jobs.interval must not be negative"))
	}
	if c.Jobs.BatchDelay < 0 {
		errs = append(errs, errors.New("jobs.batch_delay must not be negative"))
	}
	if c.LogRetentionDays < 1 {
		errs = append(errs, errors.New("log_retention_days must be positive"))
	}
	if c.ActiveProvider != "" {
		if _, ok := c.Providers[c.ActiveProvider]; !ok {
			errs = append(errs, fmt.Errorf("active_provider %q has no providers entry", c.ActiveProvider))
		}
	}
	for _, code := range c.Expense.ResponseCodes {
		switch strings.ToUpper(code) {
		case "AB", "IP", "UQ", "CA", "RE", "AP", "PD":
		default:
			errs = append(errs, fmt.Errorf("expense.response_codes: unknown code %q", code))
		}
	}
	return errors.Join(errs...)
}

// Backoff returns the wait before the next attempt after the given number of attempts
func (r RetryPolicy) Backoff(attempts int) time.Duration {
	d := r.InitialBackoff
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * r.Multiplier)
		if d >= r.MaxBackoff {
			return r.MaxBackoff
		}
	}
	if d > r.MaxBackoff {
		return r.MaxBackoff
	}
	return d
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

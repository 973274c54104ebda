package internal

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"http_server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Processor ProcessorConfig `mapstructure:"processor"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Source          string        `mapstructure:"source"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthMode selects how the bearer token travels to the processor. ATOL v3
// expects a tokenid query parameter, v4 a Token header.
type AuthMode string

const (
	AuthModeQuery  AuthMode = "query"
	AuthModeHeader AuthMode = "header"
)

// ProcessorConfig is everything one fiscal account needs. Multi-tenant
// operation means one ProcessorConfig (and one client) per account.
type ProcessorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Login          string        `mapstructure:"login"`
	Password       string        `mapstructure:"password"`
	GroupCode      string        `mapstructure:"group_code"`
	INN            string        `mapstructure:"inn"`
	PaymentAddress string        `mapstructure:"payment_address"`
	CallbackURL    string        `mapstructure:"callback_url"`
	TaxName        string        `mapstructure:"tax_name"`
	AuthMode       AuthMode      `mapstructure:"auth_mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// OFDURLTemplate renders the processor-hosted verification page, with
	// {t} {s} {fn} {fd} {fp} {n} placeholders.
	OFDURLTemplate string `mapstructure:"ofd_url_template"`
}

type SchedulerConfig struct {
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	SubmitMaxAttempts    int           `mapstructure:"submit_max_attempts"`
	ReconcileMaxAttempts int           `mapstructure:"reconcile_max_attempts"`
	ReportDelay          time.Duration `mapstructure:"report_delay"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval"`
	SweepMinAge          time.Duration `mapstructure:"sweep_min_age"`
	SweepMaxAge          time.Duration `mapstructure:"sweep_max_age"`
	Workers              int           `mapstructure:"workers"`
	QueueSize            int           `mapstructure:"queue_size"`
}

type SecurityConfig struct {
	ServiceTokenSecret string `mapstructure:"service_token_secret"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ----------------- DEFAULTS -----------------

func (c *SchedulerConfig) ApplyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Minute
	}
	if c.SubmitMaxAttempts <= 0 {
		c.SubmitMaxAttempts = 4
	}
	if c.ReconcileMaxAttempts <= 0 {
		c.ReconcileMaxAttempts = 4
	}
	if c.ReportDelay <= 0 {
		c.ReportDelay = time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.SweepMaxAge <= 0 {
		c.SweepMaxAge = 24 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
}

func (c *ProcessorConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://online.atol.ru/possystem/v3"
	}
	if c.AuthMode == "" {
		c.AuthMode = AuthModeQuery
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
}

// ----------------- HELPERS -----------------

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// LoadConfigFromEnv builds a Config from environment variables for container
// deployments where no config file is mounted.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:    getEnvAsInt("SERVER_PORT", 8080),
			BaseURL: getEnv("SERVER_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			Source:       getEnv("DATABASE_SOURCE", ""),
			MaxOpenConns: getEnvAsInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DATABASE_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Processor: ProcessorConfig{
			BaseURL:        getEnv("PROCESSOR_BASE_URL", ""),
			Login:          getEnv("PROCESSOR_LOGIN", ""),
			Password:       getEnv("PROCESSOR_PASSWORD", ""),
			GroupCode:      getEnv("PROCESSOR_GROUP_CODE", ""),
			INN:            getEnv("PROCESSOR_INN", ""),
			PaymentAddress: getEnv("PROCESSOR_PAYMENT_ADDRESS", ""),
			CallbackURL:    getEnv("PROCESSOR_CALLBACK_URL", ""),
			TaxName:        getEnv("PROCESSOR_TAX_NAME", "none"),
			AuthMode:       AuthMode(getEnv("PROCESSOR_AUTH_MODE", "query")),
			OFDURLTemplate: getEnv("PROCESSOR_OFD_URL_TEMPLATE", ""),
		},
		Security: SecurityConfig{
			ServiceTokenSecret: getEnv("SECURITY_SERVICE_TOKEN_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOGGING_LEVEL", "info"),
			Format: getEnv("LOGGING_FORMAT", "json"),
		},
	}
	cfg.Processor.ApplyDefaults()
	cfg.Scheduler.ApplyDefaults()
	return cfg
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	var errs []string

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}
	if err := c.Processor.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("processor config: %v", err))
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("scheduler config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.Source == "" {
		return errors.New("source is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *ProcessorConfig) Validate() error {
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base_url %s: %w", c.BaseURL, err)
	}
	if c.Login == "" || c.Password == "" {
		return errors.New("login and password are required")
	}
	if c.GroupCode == "" {
		return errors.New("group_code is required")
	}
	if c.AuthMode != AuthModeQuery && c.AuthMode != AuthModeHeader {
		return fmt.Errorf("auth_mode must be %q or %q", AuthModeQuery, AuthModeHeader)
	}
	return nil
}

func (c *SchedulerConfig) Validate() error {
	if c.SweepMinAge < 0 {
		return errors.New("sweep_min_age cannot be negative")
	}
	if c.SweepMaxAge > 0 && c.SweepMaxAge <= c.SweepMinAge {
		return errors.New("sweep_max_age must be greater than sweep_min_age")
	}
	return nil
}

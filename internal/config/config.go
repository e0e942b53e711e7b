package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                   = "LABPRESENCE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabaseDriver       = DriverSQLite
	defaultDatabasePath         = "data/labpresence.db"
	defaultLogLevel             = "info"
	defaultSessionsDir          = "data/auth"
	defaultGatewayBaseURL       = "https://deilabs.dei.unipd.it"
	defaultGatewayTimeout       = 45 * time.Second
	defaultGatewayMaxConcurrent = 4
	defaultGatewayRetryAttempts = 2
	defaultGatewayRetryBackoff  = 5 * time.Second
	defaultTimezone             = "Europe/Rome"
	defaultResetAt              = "00:00"
	defaultReminderAt           = "10:00"
	defaultAutoStatusAt         = "14:00"
	defaultResetBaseline        = "outside"
	defaultSweepParallelism     = 4
	defaultTokenTTLMinutes      = 60
	defaultSessionDomain        = "dei.unipd.it"

	// DriverSQLite selects the embedded pure-Go SQLite driver.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the PostgreSQL driver.
	DriverPostgres = "postgres"

	clockTimeLayout = "15:04"
)

// AppConfig captures runtime configuration for the presence service.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	LogFile              string
	AdminSigningSecret   string
	AdminTokenTTL        time.Duration
	LabsFile             string
	DefaultLab           string
	SessionsDir          string
	SessionDomain        string
	GatewayBaseURL       string
	GatewayTimeout       time.Duration
	GatewayMaxConcurrent int
	GatewayRetryAttempts int
	GatewayRetryBackoff  time.Duration
	Timezone             string
	Location             *time.Location
	ResetAt              string
	ReminderAt           string
	AutoStatusAt         string
	ResetBaseline        string
	SweepParallelism     int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("admin.signing_secret", "")
	configViper.SetDefault("admin.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("labs.file", "")
	configViper.SetDefault("labs.default", "")
	configViper.SetDefault("sessions.dir", defaultSessionsDir)
	configViper.SetDefault("sessions.domain", defaultSessionDomain)
	configViper.SetDefault("gateway.base_url", defaultGatewayBaseURL)
	configViper.SetDefault("gateway.timeout", defaultGatewayTimeout)
	configViper.SetDefault("gateway.max_concurrent", defaultGatewayMaxConcurrent)
	configViper.SetDefault("gateway.retry_attempts", defaultGatewayRetryAttempts)
	configViper.SetDefault("gateway.retry_backoff", defaultGatewayRetryBackoff)
	configViper.SetDefault("schedule.timezone", defaultTimezone)
	configViper.SetDefault("schedule.reset_at", defaultResetAt)
	configViper.SetDefault("schedule.reminder_at", defaultReminderAt)
	configViper.SetDefault("schedule.auto_status_at", defaultAutoStatusAt)
	configViper.SetDefault("schedule.reset_baseline", defaultResetBaseline)
	configViper.SetDefault("schedule.sweep_parallelism", defaultSweepParallelism)
}

// LoadDotEnv populates the process environment from a .env file. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		AdminSigningSecret:   configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:        time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		LabsFile:             configViper.GetString("labs.file"),
		DefaultLab:           strings.TrimSpace(configViper.GetString("labs.default")),
		SessionsDir:          configViper.GetString("sessions.dir"),
		SessionDomain:        strings.TrimSpace(configViper.GetString("sessions.domain")),
		GatewayBaseURL:       configViper.GetString("gateway.base_url"),
		GatewayTimeout:       configViper.GetDuration("gateway.timeout"),
		GatewayMaxConcurrent: configViper.GetInt("gateway.max_concurrent"),
		GatewayRetryAttempts: configViper.GetInt("gateway.retry_attempts"),
		GatewayRetryBackoff:  configViper.GetDuration("gateway.retry_backoff"),
		Timezone:             configViper.GetString("schedule.timezone"),
		ResetAt:              configViper.GetString("schedule.reset_at"),
		ReminderAt:           configViper.GetString("schedule.reminder_at"),
		AutoStatusAt:         configViper.GetString("schedule.auto_status_at"),
		ResetBaseline:        strings.ToLower(strings.TrimSpace(configViper.GetString("schedule.reset_baseline"))),
		SweepParallelism:     configViper.GetInt("schedule.sweep_parallelism"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("schedule.timezone: %w", err)
	}
	cfg.Location = location

	return cfg, nil
}

// ValidateServer checks the settings only the HTTP admin surface needs.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.AdminSigningSecret) == "" {
		return fmt.Errorf("admin.signing_secret is required")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.SessionsDir) == "" {
		return fmt.Errorf("sessions.dir is required")
	}
	if strings.TrimSpace(c.GatewayBaseURL) == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive")
	}
	if c.GatewayMaxConcurrent <= 0 {
		return fmt.Errorf("gateway.max_concurrent must be positive")
	}
	if c.GatewayRetryAttempts < 0 {
		return fmt.Errorf("gateway.retry_attempts must not be negative")
	}
	if c.GatewayRetryBackoff < 0 {
		return fmt.Errorf("gateway.retry_backoff must not be negative")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	for key, value := range map[string]string{
		"schedule.reset_at":       c.ResetAt,
		"schedule.reminder_at":    c.ReminderAt,
		"schedule.auto_status_at": c.AutoStatusAt,
	} {
		if _, err := time.Parse(clockTimeLayout, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%s must use HH:MM: %q", key, value)
		}
	}
	if c.ResetBaseline != "outside" && c.ResetBaseline != "unknown" {
		return fmt.Errorf("schedule.reset_baseline must be outside or unknown, got %q", c.ResetBaseline)
	}
	if c.SweepParallelism <= 0 {
		return fmt.Errorf("schedule.sweep_parallelism must be positive")
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the RTI ingest server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Lookup     LookupConfig
	Mail       MailConfig
	Alert      AlertConfig
	Vocabulary *Vocabulary
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	Driver          string
	URL             string
	DevURL          string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// LookupConfig points at the observatory scheduling and proposals web services.
type LookupConfig struct {
	TelSchedURL  string
	ProposalsURL string
	Timeout      time.Duration
}

type MailConfig struct {
	SMTPAddr   string
	From       string
	AdminEmail string
	DevEmail   string
}

type AlertConfig struct {
	Cooldown time.Duration
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var validDrivers = map[string]bool{
	DriverPostgres: true,
	DriverSQLite:   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("RTI_PORT", 8080),
			Env:               envString("RTI_ENV", "development"),
			RequestsPerMinute: envInt("RATE_LIMIT_PER_MIN", 120),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", DriverPostgres),
			URL:             os.Getenv("DATABASE_URL"),
			DevURL:          os.Getenv("DEV_DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Lookup: LookupConfig{
			TelSchedURL:  envString("TELSCHED_API_URL", "https://www.keck.hawaii.edu/software/db_api/telSchedule.php"),
			ProposalsURL: envString("PROPOSALS_API_URL", "https://www.keck.hawaii.edu/software/db_api/proposalsAPI.php"),
			Timeout:      envDuration("LOOKUP_TIMEOUT", 10*time.Second),
		},
		Mail: MailConfig{
			SMTPAddr:   envString("SMTP_ADDR", "localhost:25"),
			From:       envString("MAIL_FROM", "koaadmin@keck.hawaii.edu"),
			AdminEmail: envString("ADMIN_EMAIL", "koaadmin@keck.hawaii.edu"),
			DevEmail:   envString("DEV_EMAIL", "koaadmin@keck.hawaii.edu"),
		},
		Alert: AlertConfig{
			Cooldown: envDuration("ALERT_COOLDOWN", 30*time.Minute),
		},
	}

	vocab := DefaultVocabulary()
	if path := os.Getenv("VOCABULARY_FILE"); path != "" {
		v, err := LoadVocabulary(path)
		if err != nil {
			return nil, err
		}
		vocab = v
	}
	cfg.Vocabulary = vocab

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}

	for name, u := range map[string]string{
		"TELSCHED_API_URL":  c.Lookup.TelSchedURL,
		"PROPOSALS_API_URL": c.Lookup.ProposalsURL,
	} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, u)
		}
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Mail.AdminEmail == "" {
		return fmt.Errorf("ADMIN_EMAIL is required")
	}
	if c.Alert.Cooldown <= 0 {
		return fmt.Errorf("ALERT_COOLDOWN must be positive, got %s", c.Alert.Cooldown)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

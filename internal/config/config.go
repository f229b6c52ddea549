package config

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for taskmirror.
type Config struct {
	// API endpoint, e.g. https://api.example.com. Required.
	APIBaseURL string `env:"TASKMIRROR_API_URL"`

	// Push channel host, e.g. sync.example.com. Required.
	PushHost string `env:"TASKMIRROR_PUSH_HOST"`

	// Session token. Optional; when empty the cached token from the
	// state database is used.
	Token string `env:"TASKMIRROR_TOKEN"`

	// Account the sync cursor is stored under. Required.
	AccountID string `env:"TASKMIRROR_ACCOUNT_ID"`

	// Device name this client identifies as. Defaults to the hostname.
	DeviceName string `env:"TASKMIRROR_DEVICE_NAME"`

	// Optional YAML file defining section rules for the list forest.
	// When empty the built-in sections are used.
	SectionsFile string `env:"TASKMIRROR_SECTIONS_FILE"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level.
	LogLevel string `env:"LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the session token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from the environment, optionally merged from
// a .env file in the working directory.
func Load() (*Config, error) {
	warnInsecureEnvFile()

	// A missing .env file is fine; the environment may be complete.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceName = host
		} else {
			cfg.DeviceName = "taskmirror"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("TASKMIRROR_API_URL is required")
	}

	if c.PushHost == "" {
		return fmt.Errorf("TASKMIRROR_PUSH_HOST is required")
	}

	if c.AccountID == "" {
		return fmt.Errorf("TASKMIRROR_ACCOUNT_ID is required")
	}

	return nil
}

// Package config loads PersonaPipe settings from an optional YAML file, a
// .env file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/BTreeMap/PersonaPipe/internal/util"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PersonaPipe state data
	DefaultStateDir = "/var/lib/personapipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "personapipe.db"
	// DefaultRecordsDir is the directory of the file backend under the state dir
	DefaultRecordsDir = "records"
)

// Store backends
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Environment variables
const (
	EnvStateDir    = "PERSONAPIPE_STATE_DIR"
	EnvBackend     = "PERSONAPIPE_BACKEND"
	EnvDatabaseURL = "DATABASE_URL"
	EnvOpenAIKey   = "OPENAI_API_KEY"
	EnvModel       = "PERSONAPIPE_MODEL"
	EnvDebug       = "PERSONAPIPE_DEBUG"

	EnvTemperature  = "PERSONAPIPE_TEMPERATURE"
	EnvMenuFile     = "PERSONAPIPE_MENU_FILE"
	EnvImprovRounds = "PERSONAPIPE_IMPROV_ROUNDS"
)

// Config holds the resolved settings.
type Config struct {
	StateDir    string `yaml:"state_dir" validate:"required"`
	Backend     string `yaml:"backend" validate:"omitempty,oneof=memory file sqlite postgres"`
	DatabaseURL string `yaml:"database_url"`

	OpenAIKey string `yaml:"openai_api_key"`
	Model     string `yaml:"model"`
	Debug     bool   `yaml:"debug"`

	// Temperature is nil when not configured; an explicit 0 is kept.
	Temperature *float64 `yaml:"temperature" validate:"omitempty,gte=0,lte=2"`

	MenuFile     string `yaml:"menu_file"`
	ImprovRounds int    `yaml:"improv_rounds" validate:"gte=0,lte=20"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads path (when non-empty) from fsys, then .env, then the environment.
func Load(fsys afero.Fs, path string) (*Config, error) {
	cfg := &Config{StateDir: DefaultStateDir}

	if path != "" {
		data, err := afero.ReadFile(fsys, path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		slog.Debug("Config.Load: config file read", "path", path)
	}

	if err := godotenv.Load(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Config.Load: failed to load .env file", "error", err)
		}
	} else {
		slog.Debug("Config.Load: loaded .env file")
	}
	cfg.applyEnv()

	if cfg.Backend == "" {
		cfg.Backend = cfg.defaultBackend()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Debug("Config.Load: configuration resolved",
		"state_dir", cfg.StateDir,
		"backend", cfg.Backend,
		"database_url_set", cfg.DatabaseURL != "",
		"openai_key_set", cfg.OpenAIKey != "",
		"model", cfg.Model,
		"debug", cfg.Debug)
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.StateDir = util.StringEnv(EnvStateDir, c.StateDir)
	c.Backend = util.StringEnv(EnvBackend, c.Backend)
	c.DatabaseURL = util.StringEnv(EnvDatabaseURL, c.DatabaseURL)
	c.OpenAIKey = util.StringEnv(EnvOpenAIKey, c.OpenAIKey)
	c.Model = util.StringEnv(EnvModel, c.Model)
	if t, ok := util.LookupFloatEnv(EnvTemperature); ok {
		c.Temperature = &t
	}
	c.Debug = util.ParseBoolEnv(EnvDebug, c.Debug)
	c.MenuFile = util.StringEnv(EnvMenuFile, c.MenuFile)
	c.ImprovRounds = util.ParseIntEnv(EnvImprovRounds, c.ImprovRounds)
}

func (c *Config) defaultBackend() string {
	if c.DatabaseURL != "" && isPostgresURL(c.DatabaseURL) {
		return BackendPostgres
	}
	return BackendSQLite
}

// Validate checks field constraints and backend requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Backend == BackendPostgres && !isPostgresURL(c.DatabaseURL) {
		return fmt.Errorf("invalid configuration: postgres backend needs a postgres %s", EnvDatabaseURL)
	}
	return nil
}

// SQLitePath returns the database file of the SQLite backend. A non-postgres
// DATABASE_URL is taken as the file path.
func (c *Config) SQLitePath() string {
	if c.DatabaseURL != "" && !isPostgresURL(c.DatabaseURL) {
		return c.DatabaseURL
	}
	return filepath.Join(c.StateDir, DefaultDBFileName)
}

// RecordsDir returns the directory of the file backend.
func (c *Config) RecordsDir() string {
	return filepath.Join(c.StateDir, DefaultRecordsDir)
}

func isPostgresURL(dsn string) bool {
	return store.DetectDSNType(dsn) == "postgres"
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/BTreeMap/PersonaPipe/internal/config"
	"github.com/BTreeMap/PersonaPipe/internal/genai"
	"github.com/BTreeMap/PersonaPipe/internal/persona"
	"github.com/BTreeMap/PersonaPipe/internal/store"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// rootOptions holds the global flags. Flags override the configuration file
// and the environment.
type rootOptions struct {
	configPath string
	stateDir   string
	backend    string
	dsn        string
	verbose    bool

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "personapipe",
		Short:         "PersonaPipe - structured task state for voice personas",
		Long:          "PersonaPipe tracks the task a voice persona is completing and saves the result to a JSON record store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			initializeLogger(opts.verbose)
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "state directory (overrides $"+config.EnvStateDir+")")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "record store backend: memory, file, sqlite or postgres (overrides $"+config.EnvBackend+")")
	cmd.PersistentFlags().StringVar(&opts.dsn, "db-dsn", "", "database DSN or SQLite path (overrides $"+config.EnvDatabaseURL+")")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(newPersonasCommand(opts))
	cmd.AddCommand(newRecordsCommand(opts))
	cmd.AddCommand(newFraudCommand(opts))
	cmd.AddCommand(newChatCommand(opts))
	return cmd
}

// initializeLogger sets up structured logging on stderr so command output
// stays clean on stdout.
func initializeLogger(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(afero.NewOsFs(), o.configPath)
	if err != nil {
		return err
	}
	if o.stateDir != "" {
		cfg.StateDir = o.stateDir
	}
	if o.dsn != "" {
		cfg.DatabaseURL = o.dsn
		if o.backend == "" {
			cfg.Backend = config.BackendSQLite
			if store.DetectDSNType(o.dsn) == "postgres" {
				cfg.Backend = config.BackendPostgres
			}
		}
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	slog.Debug("rootOptions.load: final configuration", "state_dir", cfg.StateDir, "backend", cfg.Backend, "dsn_set", cfg.DatabaseURL != "")
	return nil
}

// openStore ensures the state directory exists and opens the configured backend.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := ensureDirectoriesExist(cfg); err != nil {
		return nil, err
	}
	rs, err := store.Open(persona.StoreDefinitions(), buildStoreOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s record store: %w", cfg.Backend, err)
	}
	return rs, nil
}

// ensureDirectoriesExist creates the directories of file-based backends.
func ensureDirectoriesExist(cfg *config.Config) error {
	var dir string
	switch cfg.Backend {
	case config.BackendFile:
		dir = cfg.RecordsDir()
	case config.BackendSQLite:
		dir = filepath.Dir(cfg.SQLitePath())
	default:
		return nil
	}
	slog.Debug("Creating state directory", "dir", dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "dir", dir)
		return err
	}
	return nil
}

// buildStoreOptions constructs record store options
func buildStoreOptions(cfg *config.Config) []store.Option {
	var storeOpts []store.Option
	switch cfg.Backend {
	case config.BackendPostgres:
		slog.Debug("Configuring PostgreSQL store", "dsn_set", cfg.DatabaseURL != "")
		storeOpts = append(storeOpts, store.WithPostgresDSN(cfg.DatabaseURL))
	case config.BackendSQLite:
		slog.Debug("Configuring SQLite store", "db_path", cfg.SQLitePath())
		storeOpts = append(storeOpts, store.WithSQLiteDSN(cfg.SQLitePath()))
	case config.BackendFile:
		slog.Debug("Configuring file store", "dir", cfg.RecordsDir())
		storeOpts = append(storeOpts, store.WithDir(cfg.RecordsDir()), store.WithDirLock())
	default:
		slog.Debug("No persistent backend configured, using in-memory store")
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg *config.Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.Model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.Model))
	}
	if cfg.Temperature != nil {
		genaiOpts = append(genaiOpts, genai.WithTemperature(*cfg.Temperature))
	}
	if cfg.Debug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, cfg.StateDir))
	}
	return genaiOpts
}

// buildPersonaOptions constructs persona registry options
func buildPersonaOptions(cfg *config.Config) ([]persona.Option, error) {
	var personaOpts []persona.Option
	if cfg.MenuFile != "" {
		menu, err := persona.LoadMenu(cfg.MenuFile)
		if err != nil {
			return nil, err
		}
		personaOpts = append(personaOpts, persona.WithMenu(menu))
	}
	if cfg.ImprovRounds > 0 {
		personaOpts = append(personaOpts, persona.WithImprovRounds(cfg.ImprovRounds))
	}
	return personaOpts, nil
}

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/geoffroyotegbeye/leadflow/internal/analytics"
	"github.com/geoffroyotegbeye/leadflow/internal/api"
	"github.com/geoffroyotegbeye/leadflow/internal/assistant"
	"github.com/geoffroyotegbeye/leadflow/internal/flow"
	"github.com/geoffroyotegbeye/leadflow/internal/lockfile"
	"github.com/geoffroyotegbeye/leadflow/internal/reaper"
	"github.com/geoffroyotegbeye/leadflow/internal/store"
	"github.com/geoffroyotegbeye/leadflow/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for leadflow state data
	DefaultStateDir = "/var/lib/leadflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "leadflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(flags); err != nil {
		slog.Error("leadflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("leadflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	APIAddr       string
	ReaperEnabled bool
	ReaperCron    string
	IdleTimeout   string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	reaperEnabled *bool
	reaperCron    *string
	idleTimeout   *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("LEADFLOW_STATE_DIR"),
		APIAddr:       os.Getenv("API_ADDR"),
		ReaperEnabled: util.ParseBoolEnv("LEADFLOW_REAPER_ENABLED", true),
		ReaperCron:    os.Getenv("LEADFLOW_REAPER_SCHEDULE"),
		IdleTimeout:   os.Getenv("LEADFLOW_IDLE_TIMEOUT"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LEADFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"LEADFLOW_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"LEADFLOW_REAPER_ENABLED", config.ReaperEnabled,
		"LEADFLOW_REAPER_SCHEDULE", config.ReaperCron,
		"LEADFLOW_IDLE_TIMEOUT", config.IdleTimeout)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for leadflow data (overrides $LEADFLOW_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		reaperEnabled: flag.Bool("reaper", config.ReaperEnabled, "enable the idle session reaper (overrides $LEADFLOW_REAPER_ENABLED)"),
		reaperCron:    flag.String("reaper-cron", config.ReaperCron, "reaper sweep cron schedule (overrides $LEADFLOW_REAPER_SCHEDULE)"),
		idleTimeout:   flag.String("idle-timeout", config.IdleTimeout, "idle duration before a session is abandoned, e.g. 30m (overrides $LEADFLOW_IDLE_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"reaperEnabled", *flags.reaperEnabled,
		"reaperCron", *flags.reaperCron,
		"idleTimeout", *flags.idleTimeout)

	// Follow the state directory when the DSN was derived from it
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// newStore opens the store matching the configured DSN.
func newStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildReaperOptions constructs reaper configuration options
func buildReaperOptions(flags Flags) ([]reaper.Option, error) {
	var opts []reaper.Option
	if *flags.reaperCron != "" {
		opts = append(opts, reaper.WithSchedule(*flags.reaperCron))
	}
	if *flags.idleTimeout != "" {
		d, err := time.ParseDuration(*flags.idleTimeout)
		if err != nil {
			return nil, err
		}
		opts = append(opts, reaper.WithIdleTimeout(d))
	}
	return opts, nil
}

func run(flags Flags) error {
	// Only one instance may own a state directory
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := newStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	flows := assistant.NewAccessor(st)
	aggregator := analytics.NewAggregator(st)
	tracker := flow.NewTracker(st, flows, aggregator)
	reporter := analytics.NewReporter(st, flows)

	if *flags.reaperEnabled {
		reaperOpts, err := buildReaperOptions(flags)
		if err != nil {
			return err
		}
		r := reaper.NewReaper(st, tracker, reaperOpts...)
		if err := r.Start(); err != nil {
			return err
		}
		defer r.Stop()
	} else {
		slog.Info("Idle session reaper disabled")
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(tracker, reporter, flows, apiOpts...)

	// Shut the server down on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown failed", "error", err)
		}
	}()

	slog.Info("Bootstrapping leadflow", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "")
	return server.Run()
}

// ============================================================================
// heimdall CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the heimdall daemon and its offline tools
//
// Command Structure:
//   heimdall                       # Root command
//   ├── run                        # Start the daemon
//   ├── status                     # Evaluate every user's schedule now
//   ├── check <user>               # Evaluate one user
//   │   └── --at RFC3339           # ... at another time
//   ├── validate                   # Validate the schedule config file
//   ├── --config, -c               # Daemon settings (YAML)
//   └── --version
//
// run Command:
//   1. Load settings, create the config directory
//   2. Open the secret store and transition journal (when configured)
//   3. Start metrics, run loop, config watcher, gRPC health, HTTP API
//   4. Wait for SIGINT / SIGTERM, then stop everything
//
// status / check / validate read the schedule file directly and do not talk
// to a running daemon; they show what the daemon would decide.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/brianduff/heimdall/internal/api"
	"github.com/brianduff/heimdall/internal/configstore"
	"github.com/brianduff/heimdall/internal/enforce"
	"github.com/brianduff/heimdall/internal/metrics"
	"github.com/brianduff/heimdall/internal/osuser"
	"github.com/brianduff/heimdall/internal/runloop"
	"github.com/brianduff/heimdall/internal/secrets"
	"github.com/brianduff/heimdall/internal/server"
	"github.com/brianduff/heimdall/internal/storage/journal"
	"github.com/brianduff/heimdall/internal/watch"
	"github.com/spf13/cobra"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "heimdall",
		Short: "heimdall: schedule-based login control",
		Long: `heimdall locks and unlocks local user accounts according to a
weekly schedule of open periods:
- config reloads on change, no restart needed
- retries failed lock/unlock actions every tick
- HTTP admin API, Prometheus metrics and gRPC health`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildValidateCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the heimdall daemon",
		Long:  "Start the run loop and the optional API, metrics and health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
	return cmd
}

// runDaemon runs until ctx is done.
func runDaemon(ctx context.Context, cfg *Settings) error {
	setLogLevel(cfg.LogLevel)
	log.Printf("Starting heimdall with config: %s\n", configFile)
	log.Printf("Schedules: %s, tick every %s, enforcer %s\n", cfg.ConfigPath, cfg.TickInterval, cfg.Enforcer)

	if err := os.MkdirAll(filepath.Dir(cfg.ConfigPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	store := configstore.New(cfg.ConfigPath)
	if cfg.ConfigBackups > 0 {
		store.EnableBackups(cfg.ConfigBackups)
	}

	secretStore, err := openSecrets(ctx, cfg)
	if err != nil {
		return err
	}
	if secretStore != nil {
		defer secretStore.Close()
	}

	history, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	enforcer, err := buildEnforcer(cfg, secretStore)
	if err != nil {
		return err
	}

	loopCfg := runloop.Config{
		TickInterval:       cfg.TickInterval,
		EnforcementTimeout: cfg.EnforcementTimeout,
		Journal:            history,
	}
	if secretStore != nil {
		loopCfg.Secrets = secretStore
	}
	runner := runloop.New(store, enforcer, collector, loopCfg)
	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start run loop: %w", err)
	}
	defer runner.Stop()

	if cfg.Watch.Enabled {
		w, err := watch.New(cfg.ConfigPath, runner, cfg.Watch.Debounce)
		if err != nil {
			// Polling still picks up changes.
			log.Printf("Config watcher disabled: %v\n", err)
		} else {
			w.Start(ctx)
			defer w.Close()
		}
	}

	if cfg.GRPC.Enabled {
		health := server.NewServer(runner)
		go func() {
			if err := health.ListenAndServe(ctx, cfg.GRPC.Port); err != nil {
				log.Printf("gRPC server error: %v\n", err)
			}
		}()
	}

	if cfg.API.Enabled {
		var apiSecrets api.SecretStore
		if secretStore != nil {
			apiSecrets = secretStore
		}
		opts := api.Options{
			StaticDir: cfg.API.StaticDir,
			RateLimit: cfg.API.RateLimit,
			Burst:     cfg.API.Burst,
			Trigger:   runner.Trigger,
		}
		if history != nil {
			opts.History = history
		}
		srv := api.NewServer(runner, store, apiSecrets, osuser.NewLister(), opts)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.API.Addr); err != nil {
				log.Printf("HTTP API error: %v\n", err)
			}
		}()
	}

	log.Println("System started successfully")
	<-ctx.Done()
	log.Println("Received shutdown signal, stopping gracefully...")
	return nil
}

// openSecrets opens the secret store when a path is configured. A configured
// store that cannot be opened is fatal.
func openSecrets(ctx context.Context, cfg *Settings) (*secrets.Store, error) {
	if cfg.Secrets.Path == "" {
		return nil, nil
	}
	passphrase := os.Getenv(cfg.Secrets.PassphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("secret store configured but $%s is empty", cfg.Secrets.PassphraseEnv)
	}
	s, err := secrets.Open(ctx, secrets.Config{Path: cfg.Secrets.Path, Passphrase: passphrase})
	if err != nil {
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}
	return s, nil
}

// openJournal opens the transition journal when a path is configured. The
// returned *journal.Journal may be nil; its methods accept that.
func openJournal(cfg *Settings) (*journal.Journal, error) {
	if cfg.Journal.Path == "" {
		return nil, nil
	}
	j, err := journal.Open(cfg.Journal.Path, journal.Options{MaxSize: cfg.Journal.MaxSize})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	log.Printf("Journal: %s (last seq %d)\n", j.Path(), j.LastSeq())
	return j, nil
}

func buildEnforcer(cfg *Settings, secretStore *secrets.Store) (enforce.Enforcer, error) {
	var e enforce.Enforcer
	switch cfg.Enforcer {
	case EnforcerLog:
		e = enforce.LogEnforcer{}
	case EnforcerCommand:
		var creds enforce.Credentials
		if secretStore != nil {
			creds = secretStore
		}
		e = enforce.NewCommandEnforcer(creds)
	default:
		return nil, errors.New("unknown enforcer " + cfg.Enforcer)
	}

	if cfg.EnforcementRate.PerSecond > 0 {
		burst := cfg.EnforcementRate.Burst
		if burst <= 0 {
			burst = 1
		}
		e = enforce.NewLimited(e, cfg.EnforcementRate.PerSecond, burst)
	}
	return e, nil
}

func setLogLevel(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetLogLoggerLevel(l)
}

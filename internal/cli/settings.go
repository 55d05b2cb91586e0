package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/brianduff/heimdall/internal/configstore"
	"github.com/brianduff/heimdall/internal/runloop"
	"github.com/brianduff/heimdall/internal/watch"
	"gopkg.in/yaml.v3"
)

// Settings is the daemon configuration read from YAML. The user schedules
// themselves live in the JSON file at ConfigPath.
type Settings struct {
	ConfigPath         string        `yaml:"config_path"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	EnforcementTimeout time.Duration `yaml:"enforcement_timeout"`
	Enforcer           string        `yaml:"enforcer"` // "log" or "command"
	LogLevel           string        `yaml:"log_level"`
	ConfigBackups      int           `yaml:"config_backups"` // copies kept before each save; 0 disables

	EnforcementRate struct {
		PerSecond float64 `yaml:"per_second"`
		Burst     int     `yaml:"burst"`
	} `yaml:"enforcement_rate"`

	API struct {
		Enabled   bool    `yaml:"enabled"`
		Addr      string  `yaml:"addr"`
		StaticDir string  `yaml:"static_dir"`
		RateLimit float64 `yaml:"rate_limit"`
		Burst     int     `yaml:"burst"`
	} `yaml:"api"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"grpc"`

	Secrets struct {
		Path          string `yaml:"path"`
		PassphraseEnv string `yaml:"passphrase_env"`
	} `yaml:"secrets"`

	Journal struct {
		Path    string `yaml:"path"`
		MaxSize int64  `yaml:"max_size"` // bytes before rotation
	} `yaml:"journal"`

	Watch struct {
		Enabled  bool          `yaml:"enabled"`
		Debounce time.Duration `yaml:"debounce"`
	} `yaml:"watch"`
}

const (
	EnforcerLog     = "log"
	EnforcerCommand = "command"

	defaultAPIAddr       = "127.0.0.1:8000"
	defaultMetricsPort   = 9090
	defaultGRPCPort      = 50051
	defaultPassphraseEnv = "HEIMDALL_SECRET_PASSPHRASE"
)

// applyDefaults fills zero values.
func (s *Settings) applyDefaults() {
	if s.ConfigPath == "" {
		s.ConfigPath = configstore.DefaultPath
	}
	if s.TickInterval <= 0 {
		s.TickInterval = runloop.DefaultTickInterval
	}
	if s.EnforcementTimeout <= 0 {
		s.EnforcementTimeout = runloop.DefaultEnforcementTimeout
	}
	if s.Enforcer == "" {
		s.Enforcer = EnforcerLog
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.API.Addr == "" {
		s.API.Addr = defaultAPIAddr
	}
	if s.Metrics.Port == 0 {
		s.Metrics.Port = defaultMetricsPort
	}
	if s.GRPC.Port == 0 {
		s.GRPC.Port = defaultGRPCPort
	}
	if s.Secrets.PassphraseEnv == "" {
		s.Secrets.PassphraseEnv = defaultPassphraseEnv
	}
	if s.Watch.Debounce <= 0 {
		s.Watch.Debounce = watch.DefaultDebounce
	}
}

// validate rejects settings the daemon cannot run with.
func (s *Settings) validate() error {
	switch s.Enforcer {
	case EnforcerLog, EnforcerCommand:
	default:
		return fmt.Errorf("unknown enforcer %q (want %q or %q)", s.Enforcer, EnforcerLog, EnforcerCommand)
	}
	if s.EnforcementRate.PerSecond < 0 {
		return fmt.Errorf("enforcement_rate.per_second must not be negative")
	}
	if s.ConfigBackups < 0 {
		return fmt.Errorf("config_backups must not be negative")
	}
	if s.Journal.MaxSize < 0 {
		return fmt.Errorf("journal.max_size must not be negative")
	}
	if s.API.RateLimit < 0 {
		return fmt.Errorf("api.rate_limit must not be negative")
	}
	return nil
}

func loadConfig(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Settings
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/brianduff/heimdall/internal/configstore"
	"github.com/brianduff/heimdall/internal/enforce"
	"github.com/brianduff/heimdall/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "heimdall", cmd.Use, "Root command should be 'heimdall'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Name()] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["check"], "Should have 'check' command")
	assert.True(t, commandNames["validate"], "Should have 'validate' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestBuildCheckCommand(t *testing.T) {
	cmd := buildCheckCommand()

	assert.Equal(t, "check", cmd.Name())
	atFlag := cmd.Flags().Lookup("at")
	assert.NotNil(t, atFlag, "Should have --at flag")
	assert.Error(t, cmd.Args(cmd, nil), "check needs exactly one user")
	assert.NoError(t, cmd.Args(cmd, []string{"kid"}))
}

// ============================================================================
// Settings
// ============================================================================

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heimdall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644), "Failed to write test config file")
	return path
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	configPath := writeSettings(t, `
config_path: /tmp/heimdall/config.json
tick_interval: 5s
enforcement_timeout: 10s
enforcer: command
log_level: debug
config_backups: 3

enforcement_rate:
  per_second: 0.5
  burst: 4

api:
  enabled: true
  addr: "0.0.0.0:8080"
  static_dir: ./static
  rate_limit: 20
  burst: 40

metrics:
  enabled: true
  port: 9191

grpc:
  enabled: true
  port: 50052

secrets:
  path: /tmp/heimdall/secrets.db
  passphrase_env: MY_PASS

journal:
  path: /tmp/heimdall/journal.log
  max_size: 4096

watch:
  enabled: true
  debounce: 500ms
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "/tmp/heimdall/config.json", cfg.ConfigPath)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.EnforcementTimeout)
	assert.Equal(t, EnforcerCommand, cfg.Enforcer)
	assert.Equal(t, "debug", cfg.LogLevel)

	assert.Equal(t, 0.5, cfg.EnforcementRate.PerSecond)
	assert.Equal(t, 4, cfg.EnforcementRate.Burst)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "0.0.0.0:8080", cfg.API.Addr)
	assert.Equal(t, "./static", cfg.API.StaticDir)
	assert.Equal(t, 20.0, cfg.API.RateLimit)
	assert.Equal(t, 40, cfg.API.Burst)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
	assert.True(t, cfg.GRPC.Enabled)
	assert.Equal(t, 50052, cfg.GRPC.Port)

	assert.Equal(t, "/tmp/heimdall/secrets.db", cfg.Secrets.Path)
	assert.Equal(t, "MY_PASS", cfg.Secrets.PassphraseEnv)

	assert.Equal(t, 3, cfg.ConfigBackups)
	assert.Equal(t, "/tmp/heimdall/journal.log", cfg.Journal.Path)
	assert.Equal(t, int64(4096), cfg.Journal.MaxSize)

	assert.True(t, cfg.Watch.Enabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Watch.Debounce)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	cfg, err := loadConfig("/nonexistent/config.yaml")

	assert.Error(t, err, "loadConfig should return an error for nonexistent file")
	assert.Nil(t, cfg, "Config should be nil on error")
	assert.Contains(t, err.Error(), "failed to read config file", "Error should mention file reading failure")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeSettings(t, `
tick_interval: "not a duration"
  invalid yaml structure
    broken indentation
`)

	cfg, err := loadConfig(configPath)

	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Nil(t, cfg, "Config should be nil on parse error")
	assert.Contains(t, err.Error(), "failed to parse config YAML", "Error should mention YAML parsing failure")
}

func TestLoadConfig_EmptyFileGetsDefaults(t *testing.T) {
	cfg, err := loadConfig(writeSettings(t, ""))
	require.NoError(t, err, "Empty YAML file should parse without error")

	assert.Equal(t, configstore.DefaultPath, cfg.ConfigPath)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.EnforcementTimeout)
	assert.Equal(t, EnforcerLog, cfg.Enforcer)
	assert.Equal(t, defaultAPIAddr, cfg.API.Addr)
	assert.Equal(t, defaultMetricsPort, cfg.Metrics.Port)
	assert.Equal(t, defaultGRPCPort, cfg.GRPC.Port)
	assert.Equal(t, defaultPassphraseEnv, cfg.Secrets.PassphraseEnv)
	assert.False(t, cfg.API.Enabled)
	assert.Empty(t, cfg.Secrets.Path)
}

func TestLoadConfig_PartialConfig(t *testing.T) {
	cfg, err := loadConfig(writeSettings(t, "tick_interval: 1s\n"))
	require.NoError(t, err, "Partial config should parse successfully")

	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, EnforcerLog, cfg.Enforcer, "Unset fields should get defaults")
}

func TestLoadConfig_UnknownEnforcer(t *testing.T) {
	_, err := loadConfig(writeSettings(t, "enforcer: magic\n"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown enforcer")
}

// ============================================================================
// Enforcer and secrets wiring
// ============================================================================

func TestBuildEnforcer(t *testing.T) {
	cfg := &Settings{}
	cfg.applyDefaults()

	e, err := buildEnforcer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, enforce.LogEnforcer{}, e)

	cfg.Enforcer = EnforcerCommand
	e, err = buildEnforcer(cfg, nil)
	require.NoError(t, err)
	ce, ok := e.(*enforce.CommandEnforcer)
	require.True(t, ok)
	assert.Nil(t, ce.Secrets, "no secret store must mean a nil interface")

	cfg.EnforcementRate.PerSecond = 1
	e, err = buildEnforcer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &enforce.Limited{}, e)
}

func TestOpenSecrets(t *testing.T) {
	cfg := &Settings{}
	cfg.applyDefaults()

	s, err := openSecrets(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, s, "no path configured")

	cfg.Secrets.Path = filepath.Join(t.TempDir(), "secrets.db")
	cfg.Secrets.PassphraseEnv = "HEIMDALL_TEST_PASSPHRASE_UNSET"
	_, err = openSecrets(context.Background(), cfg)
	assert.Error(t, err, "empty passphrase is fatal")
}

// ============================================================================
// Offline commands
// ============================================================================

func writeSchedules(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	store := configstore.New(path)
	require.NoError(t, store.AddUser(types.UserConfig{
		Username: "kid",
		Schedule: types.Schedule{OpenPeriods: []types.OpenPeriod{{
			Start: types.Instant{Weekday: 3, Hour: 14, Minute: 45},
			End:   types.Instant{Weekday: 3, Hour: 15, Minute: 0},
			Note:  "after school",
		}}},
	}))
	require.NoError(t, store.AddUser(types.UserConfig{Username: "guest"}))
	return path
}

// 2020-01-01 is a Wednesday.
func wed(hour, minute int) time.Time {
	return time.Date(2020, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestShowStatus(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showStatus(&out, writeSchedules(t), wed(14, 50)))

	text := out.String()
	assert.Contains(t, text, "kid")
	assert.Contains(t, text, "OPEN")
	assert.Contains(t, text, "after school")
	assert.Contains(t, text, "guest")
	assert.Contains(t, text, "LOCKED")
	assert.Contains(t, text, "never")
}

func TestShowStatusEmpty(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, showStatus(&out, filepath.Join(t.TempDir(), "missing.json"), wed(12, 0)))
	assert.Contains(t, out.String(), "No users configured")
}

func TestCheckUser(t *testing.T) {
	path := writeSchedules(t)

	var out bytes.Buffer
	require.NoError(t, checkUser(&out, path, "kid", wed(14, 50)))
	assert.Contains(t, out.String(), "OPEN")
	assert.Contains(t, out.String(), "Wed 15:00")

	out.Reset()
	require.NoError(t, checkUser(&out, path, "kid", wed(15, 0)))
	assert.Contains(t, out.String(), "LOCKED", "end is exclusive")

	err := checkUser(&out, path, "ghost", wed(15, 0))
	assert.ErrorIs(t, err, configstore.ErrUserNotFound)
}

func TestCheckUserIgnoresInvalidPeriods(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	// Wed 10:00 to Wed "30:00" would roll over to Thu 06:00.
	bad := `{"user_config":{"kid":{"username":"kid","schedule":{"open_periods":[` +
		`{"start":{"weekday":3,"hour":10,"minute":0},"end":{"weekday":3,"hour":30,"minute":0},"note":""}]}}}}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))

	var out bytes.Buffer
	thu := time.Date(2020, 1, 2, 5, 0, 0, 0, time.UTC)
	require.NoError(t, checkUser(&out, path, "kid", thu))
	assert.Contains(t, out.String(), "LOCKED")
}

func TestValidateSchedules(t *testing.T) {
	path := writeSchedules(t)

	var out bytes.Buffer
	require.NoError(t, validateSchedules(&out, path))
	assert.Contains(t, out.String(), "2 users, 1 open periods")
	assert.Contains(t, out.String(), "Wed 14:45 - Wed 15:00")

	// Hand-edited file with a zero-length period.
	bad := `{"user_config":{"kid":{"username":"kid","schedule":{"open_periods":[` +
		`{"start":{"weekday":1,"hour":9,"minute":0},"end":{"weekday":1,"hour":9,"minute":0},"note":""}]}}}}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	assert.Error(t, validateSchedules(&out, path))
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	cfg := &Settings{}
	cfg.applyDefaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "etc", "config.json")
	cfg.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runDaemon did not return")
	}
	assert.DirExists(t, filepath.Dir(cfg.ConfigPath))
}

func TestOpenJournal(t *testing.T) {
	cfg := &Settings{}
	j, err := openJournal(cfg)
	require.NoError(t, err)
	assert.Nil(t, j, "no path, no journal")

	cfg.Journal.Path = filepath.Join(t.TempDir(), "var", "journal.log")
	j, err = openJournal(cfg)
	require.NoError(t, err)
	require.NotNil(t, j)
	defer j.Close()
	assert.FileExists(t, cfg.Journal.Path)
}

func TestRunDaemonWritesJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := &Settings{}
	cfg.applyDefaults()
	cfg.ConfigPath = filepath.Join(dir, "config.json")
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.ConfigBackups = 2

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runDaemon(ctx, cfg) }()

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.Journal.Path)
		return err == nil && strings.Contains(string(data), "CONFIG_LOADED")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runDaemon did not return")
	}
}

func TestLoadConfig_NegativeBackups(t *testing.T) {
	_, err := loadConfig(writeSettings(t, "config_backups: -1\n"))
	assert.Error(t, err)
}

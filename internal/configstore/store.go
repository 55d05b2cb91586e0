package configstore

// ============================================================================
// Responsibilities:
// 1. Persist the user schedule config as a single pretty-printed JSON file
// 2. Atomic writes (temp file + rename) so readers never see a torn file
// 3. Validate every open period before writing; reject the whole write
// 4. Report a cheap (mod time, size) fingerprint for reload detection
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/brianduff/heimdall/internal/schedule"
	"github.com/brianduff/heimdall/internal/snapshot"
	"github.com/brianduff/heimdall/pkg/types"
)

var log = slog.Default()

// DefaultPath is where the daemon keeps its config on a real install.
const DefaultPath = "/etc/heimdall/config.json"

// ============================================================================
// Errors
// ============================================================================

var (
	ErrLoad         = errors.New("failed to load config")
	ErrSave         = errors.New("failed to save config")
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// Store reads and writes the config file at path.
type Store struct {
	path    string
	mu      sync.Mutex        // serializes read-modify-write cycles
	backups *snapshot.Manager // nil unless EnableBackups was called
}

// New creates a Store for the file at path. The file need not exist.
func New(path string) *Store {
	return &Store{path: path}
}

// EnableBackups keeps the previous keep versions of the file, copied aside
// before every save.
func (s *Store) EnableBackups(keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups = snapshot.NewManager(s.path, keep)
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// ============================================================================
// Core operations
// ============================================================================

// Load reads the config file. A missing file yields an empty Config.
func (s *Store) Load() (types.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewConfig(), nil
		}
		return types.Config{}, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	var cfg types.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return types.Config{}, fmt.Errorf("%w: %s: %v", ErrLoad, s.path, err)
	}
	if cfg.UserConfig == nil {
		cfg.UserConfig = make(map[string]types.UserConfig)
	}
	return cfg, nil
}

// Metadata returns the current fingerprint of the file; ok is false when the
// file does not exist.
func (s *Store) Metadata() (fp types.Fingerprint, ok bool, err error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.Fingerprint{}, false, nil
		}
		return types.Fingerprint{}, false, fmt.Errorf("stat %s: %w", s.path, err)
	}
	return types.Fingerprint{ModTime: info.ModTime(), Size: info.Size()}, true, nil
}

// Save validates cfg and writes it atomically. Nothing is written if any
// period of any user is invalid.
func (s *Store) Save(cfg types.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(cfg)
}

func (s *Store) save(cfg types.Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if cfg.UserConfig == nil {
		cfg.UserConfig = make(map[string]types.UserConfig)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: create config dir: %v", ErrSave, err)
	}

	jsonBytes, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrSave, err)
	}

	if s.backups != nil {
		// A failed backup must not block the edit itself.
		if _, err := s.backups.Backup(); err != nil {
			log.Warn("Config backup failed", "path", s.path, "error", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0o600); err != nil {
		return fmt.Errorf("%w: write temp file: %v", ErrSave, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename: %v", ErrSave, err)
	}
	return nil
}

// Validate checks every user entry of cfg.
func Validate(cfg types.Config) error {
	for name, uc := range cfg.UserConfig {
		if name == "" || uc.Username != name {
			return fmt.Errorf("%w: entry %q has username %q", ErrSave, name, uc.Username)
		}
		if err := schedule.Validate(uc.Schedule); err != nil {
			return fmt.Errorf("user %s: %w", name, err)
		}
	}
	return nil
}

// ============================================================================
// User-level mutations used by the API
// ============================================================================

// AddUser inserts a new user. An existing username is rejected with
// ErrUserExists and the file is left untouched.
func (s *Store) AddUser(uc types.UserConfig) error {
	return s.update(func(cfg *types.Config) error {
		if _, exists := cfg.UserConfig[uc.Username]; exists {
			return fmt.Errorf("%w: %s", ErrUserExists, uc.Username)
		}
		cfg.UserConfig[uc.Username] = uc
		return nil
	})
}

// UpdateSchedule replaces the schedule of an existing user.
func (s *Store) UpdateSchedule(username string, sched types.Schedule) error {
	return s.update(func(cfg *types.Config) error {
		uc, exists := cfg.UserConfig[username]
		if !exists {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		uc.Schedule = sched
		cfg.UserConfig[username] = uc
		return nil
	})
}

// RemoveUser deletes a user entry.
func (s *Store) RemoveUser(username string) error {
	return s.update(func(cfg *types.Config) error {
		if _, exists := cfg.UserConfig[username]; !exists {
			return fmt.Errorf("%w: %s", ErrUserNotFound, username)
		}
		delete(cfg.UserConfig, username)
		return nil
	})
}

func (s *Store) update(fn func(cfg *types.Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.Load()
	if err != nil {
		return err
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	return s.save(cfg)
}

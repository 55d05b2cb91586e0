package snapshot

// ============================================================================
// 職責說明：
// 1. 在覆寫 schedule 設定檔之前保留一份帶時間戳的副本
// 2. 只保留最近 keep 份，較舊的自動清除
// 3. 提供列出與還原備份的功能
// ============================================================================

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// timestampLayout sorts lexically in time order.
const timestampLayout = "20060102_150405.000000000"

// Manager keeps rotated copies of one file next to it, named
// "<file>.<timestamp>.bak".
type Manager struct {
	path string     // file being backed up
	keep int        // copies to retain, at least 1
	now  func() time.Time
	mu   sync.Mutex // serializes backup and prune
}

// NewManager creates a Manager for path retaining keep copies.
func NewManager(path string, keep int) *Manager {
	if keep < 1 {
		keep = 1
	}
	return &Manager{path: path, keep: keep, now: time.Now}
}

// GetPath returns the file being backed up.
func (m *Manager) GetPath() string {
	return m.path
}

// Backup copies the current file to a new snapshot and prunes old ones. A
// missing file is not an error; there is nothing to keep yet.
//
// The copy is written to a temp file and renamed, same as every other write
// in heimdall, so a crash never leaves a half-written snapshot behind.
func (m *Manager) Backup() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open file for snapshot: %w", err)
	}
	defer src.Close()

	dst := fmt.Sprintf("%s.%s.bak", m.path, m.now().UTC().Format(timestampLayout))
	if err := copyAtomic(src, dst); err != nil {
		return "", err
	}

	if err := m.pruneLocked(); err != nil {
		return dst, err
	}
	return dst, nil
}

// List returns existing snapshots, newest first.
func (m *Manager) List() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*.bak")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	// Glob also matches names whose middle part is not a timestamp.
	prefix := m.path + "."
	out := matches[:0]
	for _, p := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(p, prefix), ".bak")
		if _, err := time.Parse(timestampLayout, stamp); err == nil {
			out = append(out, p)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// Prune deletes all but the newest keep snapshots.
func (m *Manager) Prune() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked()
}

func (m *Manager) pruneLocked() error {
	snaps, err := m.listLocked()
	if err != nil {
		return err
	}
	var errs []error
	for i := m.keep; i < len(snaps); i++ {
		if err := os.Remove(snaps[i]); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore atomically replaces the file with the given snapshot.
func (m *Manager) Restore(snapshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := os.Open(snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshot)
		}
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer src.Close()

	return copyAtomic(src, m.path)
}

func copyAtomic(src io.Reader, dst string) error {
	tmpPath := dst + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

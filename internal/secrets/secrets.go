// ============================================================================
// heimdall Secret Store
// ============================================================================
//
// Package: internal/secrets
// File: secrets.go
// Purpose: Keeps the per-user "normal" and "lockdown" account passwords out
//          of the config file. Values live in a SQLite database, sealed with
//          AES-256-GCM under a key derived from a master passphrase.
//
// Schema:
//   meta(key TEXT PRIMARY KEY, value BLOB)
//     salt   - PBKDF2 salt, created once per store
//     check  - a sealed known value, used to reject a wrong passphrase early
//   secrets(username, name, ciphertext, updated_at_ns)
//     PRIMARY KEY (username, name)
//
// Ciphertext layout: nonce (12 bytes) || GCM(seal). The additional data is
// "username/name", so a row copied under another key fails to open.
//
// ============================================================================

package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
	_ "modernc.org/sqlite"
)

var log = slog.Default()

const (
	KeySize          = 32
	SaltSize         = 32
	NonceSize        = 12
	PBKDF2Iterations = 600000

	checkValue = "heimdall-secret-store"
)

var (
	ErrSecretNotFound  = errors.New("secret not found")
	ErrWrongPassphrase = errors.New("wrong passphrase for secret store")
	ErrClosed          = errors.New("secret store closed")
)

// Config configures Open.
type Config struct {
	Path        string
	Passphrase  string
	Iterations  int           // PBKDF2 rounds, PBKDF2Iterations when zero
	BusyTimeout time.Duration // SQLite busy timeout, 5s when zero
}

// Store is an encrypted key/value store of account passwords.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	aead   cipher.AEAD
	closed bool
}

// Open opens (creating if needed) the store at cfg.Path. A store created with
// another passphrase is rejected with ErrWrongPassphrase.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("secret store path is required")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("secret store passphrase is required")
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = PBKDF2Iterations
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create secret store dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open secret store: %w", err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open secret store: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.unlock(ctx, cfg.Passphrase, cfg.Iterations); err != nil {
		_ = db.Close()
		return nil, err
	}

	_ = os.Chmod(cfg.Path, 0o600)
	log.Info("Secret store opened", "path", cfg.Path)
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS secrets (
			username      TEXT    NOT NULL,
			name          TEXT    NOT NULL,
			ciphertext    BLOB    NOT NULL,
			updated_at_ns INTEGER NOT NULL,
			PRIMARY KEY (username, name)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate secret store: %w", err)
		}
	}
	return nil
}

// unlock derives the key from the stored salt, creating salt and check value
// on first use.
func (s *Store) unlock(ctx context.Context, passphrase string, iterations int) error {
	salt, err := s.meta(ctx, "salt")
	if errors.Is(err, sql.ErrNoRows) {
		salt = make([]byte, SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		if err := s.setMeta(ctx, "salt", salt); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return fmt.Errorf("create GCM cipher: %w", err)
	}
	s.aead = aead

	check, err := s.meta(ctx, "check")
	if errors.Is(err, sql.ErrNoRows) {
		sealed, err := s.seal("meta/check", []byte(checkValue))
		if err != nil {
			return err
		}
		return s.setMeta(ctx, "check", sealed)
	} else if err != nil {
		return err
	}

	plain, err := s.open("meta/check", check)
	if err != nil || string(plain) != checkValue {
		return ErrWrongPassphrase
	}
	return nil
}

func (s *Store) meta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, err
}

func (s *Store) setMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Sealing
// ============================================================================

func (s *Store) seal(ad string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(ad)), nil
}

func (s *Store) open(ad string, data []byte) ([]byte, error) {
	if len(data) < NonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return s.aead.Open(nil, data[:NonceSize], data[NonceSize:], []byte(ad))
}

func additionalData(username, name string) string {
	return username + "/" + name
}

// ============================================================================
// Operations
// ============================================================================

// Put stores or replaces a secret.
func (s *Store) Put(ctx context.Context, username, name, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	sealed, err := s.seal(additionalData(username, name), []byte(value))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (username, name, ciphertext, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (username, name) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			updated_at_ns = excluded.updated_at_ns`,
		username, name, sealed, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("put secret %s/%s: %w", username, name, err)
	}
	return nil
}

// GetContext returns a secret or ErrSecretNotFound.
func (s *Store) GetContext(ctx context.Context, username, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT ciphertext FROM secrets WHERE username = ? AND name = ?`,
		username, name).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s/%s", ErrSecretNotFound, username, name)
	}
	if err != nil {
		return "", fmt.Errorf("get secret %s/%s: %w", username, name, err)
	}

	plain, err := s.open(additionalData(username, name), sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s/%s: %w", username, name, err)
	}
	return string(plain), nil
}

// Get is GetContext with a background context. It satisfies the enforcer's
// credential lookup.
func (s *Store) Get(username, name string) (string, error) {
	return s.GetContext(context.Background(), username, name)
}

// Delete removes every secret of username. Deleting nothing is not an error.
func (s *Store) Delete(ctx context.Context, username string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE username = ?`, username); err != nil {
		return fmt.Errorf("delete secrets of %s: %w", username, err)
	}
	return nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

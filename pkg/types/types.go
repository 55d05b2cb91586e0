// Package types defines the core domain model shared across heimdall.
package types

import (
	"fmt"
	"time"
)

// Instant is a recurring point within a week.
type Instant struct {
	Weekday uint8 `json:"weekday"` // 0 = Sunday .. 6 = Saturday
	Hour    uint8 `json:"hour"`    // 0..23
	Minute  uint8 `json:"minute"`  // 0..59
}

// String renders the instant as e.g. "Wed 14:45".
func (i Instant) String() string {
	name := "???"
	if int(i.Weekday) < len(weekdayNames) {
		name = weekdayNames[i.Weekday]
	}
	return fmt.Sprintf("%s %02d:%02d", name, i.Hour, i.Minute)
}

var weekdayNames = [...]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// OpenPeriod is a single weekly-recurring window during which a user may
// log in.
type OpenPeriod struct {
	Start Instant `json:"start"`
	End   Instant `json:"end"`
	Note  string  `json:"note"`
}

// Schedule is the set of open periods of one user. Order carries no meaning.
type Schedule struct {
	OpenPeriods []OpenPeriod `json:"open_periods"`
}

// UserConfig is the persisted entry for one tracked user.
//
// The password fields exist for compatibility with older config files; the
// API never writes them and the runloop never reads them.
type UserConfig struct {
	Username         string   `json:"username"`
	NormalPassword   string   `json:"normal_password,omitempty"`
	LockdownPassword string   `json:"lockdown_password,omitempty"`
	Schedule         Schedule `json:"schedule"`
}

// Config is the full persisted unit, keyed by username.
type Config struct {
	UserConfig map[string]UserConfig `json:"user_config"`
}

// NewConfig returns an empty Config.
func NewConfig() Config {
	return Config{UserConfig: make(map[string]UserConfig)}
}

// IsNew reports whether no user has been configured yet.
func (c Config) IsNew() bool {
	return len(c.UserConfig) == 0
}

// Usernames returns the configured usernames in map order.
func (c Config) Usernames() []string {
	names := make([]string, 0, len(c.UserConfig))
	for name := range c.UserConfig {
		names = append(names, name)
	}
	return names
}

// Fingerprint cheaply identifies a version of the config file.
type Fingerprint struct {
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Equal compares two fingerprints. ModTime is compared with time.Equal so
// monotonic clock readings do not matter.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// LockState is the enforced state of one user as known to the runloop.
type LockState int

const (
	LockUnknown  LockState = iota // not yet enforced since process start
	LockLocked                    // outside all open periods
	LockUnlocked                  // inside at least one open period
)

// DesiredLockState maps an "is open" evaluation to a lock state.
func DesiredLockState(open bool) LockState {
	if open {
		return LockUnlocked
	}
	return LockLocked
}

// Locked reports whether s is LockLocked.
func (s LockState) Locked() bool {
	return s == LockLocked
}

func (s LockState) String() string {
	switch s {
	case LockLocked:
		return "locked"
	case LockUnlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LockState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

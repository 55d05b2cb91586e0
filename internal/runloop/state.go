package runloop

import (
	"sort"
	"time"

	"github.com/brianduff/heimdall/internal/schedule"
	"github.com/brianduff/heimdall/pkg/types"
)

// RunState is everything the runloop remembers between ticks. It is owned by
// the Runner and only touched with Runner.mu held.
type RunState struct {
	config         *types.Config     // nil until the first successful load
	fingerprint    types.Fingerprint // fingerprint of the file config was loaded from
	hasFingerprint bool              // false when config came from a missing file
	users          map[string]*userState
}

// userState is the in-memory lock state machine of one user.
type userState struct {
	lock       types.LockState
	lastChange time.Time // when lock last moved to its current value
	lastError  string    // last enforcement failure, cleared on success
	failures   int       // consecutive enforcement failures
}

// NewRunState returns an empty state with no config loaded.
func NewRunState() *RunState {
	return &RunState{users: make(map[string]*userState)}
}

// user returns the state of username, creating it as LockUnknown.
func (s *RunState) user(username string) *userState {
	us, ok := s.users[username]
	if !ok {
		us = &userState{lock: types.LockUnknown}
		s.users[username] = us
	}
	return us
}

// removedUsernames returns, sorted, the users that still have lock state but
// are no longer configured.
func (s *RunState) removedUsernames() []string {
	if s.config == nil {
		return nil
	}
	var names []string
	for name := range s.users {
		if _, ok := s.config.UserConfig[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// sortedUsernames returns the configured usernames in a stable order.
func (s *RunState) sortedUsernames() []string {
	if s.config == nil {
		return nil
	}
	names := s.config.Usernames()
	sort.Strings(names)
	return names
}

// lockedCount counts users whose enforced state is locked.
func (s *RunState) lockedCount() int {
	n := 0
	for _, us := range s.users {
		if us.lock == types.LockLocked {
			n++
		}
	}
	return n
}

// ============================================================================
// Read-only views
// ============================================================================

// Status is a point-in-time copy of the run state for readers outside the
// runloop (API, CLI, health checks).
type Status struct {
	Loaded      bool              `json:"loaded"`
	IsNew       bool              `json:"is_new"`
	Fingerprint types.Fingerprint `json:"fingerprint"`
	LastTick    time.Time         `json:"last_tick"`
	Users       []UserStatus      `json:"users"`
}

// UserStatus describes one configured user.
type UserStatus struct {
	Username       string          `json:"username"`
	State          types.LockState `json:"state"`
	Open           bool            `json:"open"`
	Note           string          `json:"note,omitempty"`
	NextTransition *time.Time      `json:"next_transition,omitempty"`
	LastChange     *time.Time      `json:"last_change,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// snapshot builds a Status evaluated at now.
func (s *RunState) snapshot(now, lastTick time.Time) Status {
	st := Status{
		Loaded:      s.config != nil,
		IsNew:       s.config == nil || s.config.IsNew(),
		Fingerprint: s.fingerprint,
		LastTick:    lastTick,
		Users:       []UserStatus{},
	}

	for _, name := range s.sortedUsernames() {
		sched := s.config.UserConfig[name].Schedule
		us := UserStatus{
			Username: name,
			State:    types.LockUnknown,
			Open:     schedule.IsOpen(now, sched),
		}
		if p, ok := schedule.FindMaxOpenPeriod(now, sched); ok {
			us.Note = p.Note
		}
		if at, ok := schedule.NextTransition(now, sched); ok {
			us.NextTransition = &at
		}
		if state, ok := s.users[name]; ok {
			us.State = state.lock
			if !state.lastChange.IsZero() {
				changed := state.lastChange
				us.LastChange = &changed
			}
			us.LastError = state.lastError
		}
		st.Users = append(st.Users, us)
	}
	return st
}

// ============================================================================
// heimdall Runloop - the scheduling core
// ============================================================================
//
// Package: internal/runloop
// File: runloop.go
// Purpose: Periodically evaluates every configured user's schedule against
//          the current time and drives the per-user lock state machine.
//
// One tick, in order:
//   1. checkConfigLoaded - compare the config file fingerprint (mod time,
//      size) with the cached one; reload only when it changed. A failed
//      reload keeps the last good config and fingerprint.
//   2. reconcile - for every configured user:
//        desired = Unlocked if inside an open period, else Locked
//        desired != cached (Unknown never matches) → Enforcer.SetLocked
//        cached state moves to desired only when SetLocked succeeds,
//        so failures are retried on the next tick
//   3. release users no longer in the config: a user last seen Locked is
//      unlocked first, then its stored passwords are deleted and its state
//      dropped. A failed unlock keeps the entry and is retried next tick.
//
// Lock state machine:
//
//     ┌─────────┐  first tick  ┌────────┐
//     │ Unknown │ ───────────→ │ Locked │ ←──┐
//     └─────────┘      │       └────────┘    │ schedule
//                      │                     │ changes
//                      └─────→ ┌──────────┐  │
//                              │ Unlocked │ ←┘
//                              └──────────┘
//
// Concurrency:
//   - A single goroutine runs ticks; a slow tick delays the next one
//     (time.Ticker drops missed ticks) and ticks never overlap
//   - mu is held for the whole tick, enforcement calls included; readers
//     (Snapshot) take the same mutex
//   - Trigger() requests an early tick; requests are coalesced
//   - Ticks are not cancelled by Stop: a tick that has started completes
//
// Error handling:
//   Nothing that happens inside a tick stops the loop. Errors and panics are
//   caught at the tick boundary, logged and counted.
//
// ============================================================================

package runloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianduff/heimdall/internal/enforce"
	"github.com/brianduff/heimdall/internal/metrics"
	"github.com/brianduff/heimdall/internal/schedule"
	"github.com/brianduff/heimdall/internal/storage/journal"
	"github.com/brianduff/heimdall/pkg/types"
)

var log = slog.Default()

// Defaults applied to zero Config values.
const (
	DefaultTickInterval       = 2 * time.Second
	DefaultEnforcementTimeout = 30 * time.Second
)

var (
	ErrAlreadyStarted = errors.New("runloop already started")
	ErrStopped        = errors.New("runloop stopped")
)

// ConfigSource is the part of the config store the runloop needs.
type ConfigSource interface {
	Load() (types.Config, error)
	Metadata() (types.Fingerprint, bool, error)
}

// SecretCleaner forgets the stored passwords of a user.
type SecretCleaner interface {
	Delete(ctx context.Context, username string) error
}

// Config configures a Runner.
type Config struct {
	TickInterval       time.Duration    // time between ticks
	EnforcementTimeout time.Duration    // upper bound for one SetLocked call
	Now                func() time.Time // clock, time.Now when nil
	Journal            *journal.Journal // optional transition history
	Secrets            SecretCleaner    // optional; called once a removed user is released
}

// Runner owns the RunState and drives ticks.
type Runner struct {
	mu       sync.Mutex // guards state for the full duration of a tick
	state    *RunState
	source   ConfigSource
	enforcer enforce.Enforcer
	metrics  *metrics.Collector
	config   Config

	lastTick atomic.Int64 // unix nanos of the last finished tick
	ticks    atomic.Uint64

	trigger chan struct{}
	stopCh  chan struct{}
	loopWg  sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
	stopped   bool
}

// New creates a Runner. m may be nil.
func New(source ConfigSource, enforcer enforce.Enforcer, m *metrics.Collector, cfg Config) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.EnforcementTimeout <= 0 {
		cfg.EnforcementTimeout = DefaultEnforcementTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		state:    NewRunState(),
		source:   source,
		enforcer: enforcer,
		metrics:  m,
		config:   cfg,
		trigger:  make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start runs the tick loop in a new goroutine: one tick immediately, then
// one every TickInterval until ctx is done or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	log.Info("Starting run loop", "interval", r.config.TickInterval)

	r.loopWg.Add(1)
	go r.loop(ctx)
	return nil
}

// Stop ends the loop and waits for a running tick to finish.
func (r *Runner) Stop() {
	r.lifecycle.Lock()
	if r.stopped {
		r.lifecycle.Unlock()
		return
	}
	r.stopped = true
	r.lifecycle.Unlock()

	close(r.stopCh)
	r.loopWg.Wait()
	log.Info("Run loop stopped")
}

// Trigger asks for a tick as soon as the current one (if any) is done.
// Multiple requests before that tick runs collapse into one.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Runner) loop(ctx context.Context) {
	defer r.loopWg.Done()

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	// A started tick runs to completion even when ctx is cancelled.
	tickCtx := context.WithoutCancel(ctx)

	r.Tick(tickCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Tick(tickCtx)
		case <-r.trigger:
			r.Tick(tickCtx)
		}
	}
}

// ============================================================================
// Tick
// ============================================================================

// Tick runs one evaluation with the state lock held. The returned error
// summarizes enforcement failures and recovered panics; callers only log it.
func (r *Runner) Tick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	err := r.runTick(ctx, r.state, r.config.Now())

	r.ticks.Add(1)
	r.lastTick.Store(time.Now().UnixNano())
	r.metrics.RecordTick(time.Since(start).Seconds(), err != nil)

	if err != nil {
		log.Warn("Tick finished with errors", "error", err)
	}
	return err
}

// runTick is the body of one tick, operating on the state passed in.
func (r *Runner) runTick(ctx context.Context, st *RunState, now time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tick panicked: %v", p)
		}
	}()

	r.checkConfigLoaded(st)
	if st.config == nil {
		return nil
	}

	err = errors.Join(r.reconcile(ctx, st, now), r.releaseRemoved(ctx, st))

	r.metrics.UpdateUserStats(len(st.config.UserConfig), st.lockedCount())
	return err
}

// releaseRemoved hands accounts of users deleted from the config back to
// them. Passwords are deleted only after the account is unlocked, since the
// unlock needs them.
func (r *Runner) releaseRemoved(ctx context.Context, st *RunState) error {
	var errs []error

	for _, name := range st.removedUsernames() {
		us := st.users[name]

		if us.lock == types.LockLocked {
			if err := r.enforce(ctx, name, types.LockUnlocked); err != nil {
				us.failures++
				us.lastError = err.Error()
				log.Error("Failed to unlock removed user, will retry next tick",
					"user", name,
					"attempt", us.failures,
					"error", err)
				if us.failures == 1 {
					r.record(journal.EventFailed, name, err.Error())
				}
				errs = append(errs, err)
				continue
			}
			log.Info("Unlocked removed user", "user", name)
			r.record(journal.EventUnlocked, name, "from=locked removed=true")
		}

		if r.config.Secrets != nil {
			if err := r.config.Secrets.Delete(ctx, name); err != nil {
				log.Warn("Failed to delete passwords of removed user", "user", name, "error", err)
			}
		}
		delete(st.users, name)
		log.Info("Dropped lock state of removed user", "user", name)
	}

	return errors.Join(errs...)
}

// checkConfigLoaded reloads the config when none is cached or the file's
// fingerprint changed. Failures leave the cached config and fingerprint
// untouched.
func (r *Runner) checkConfigLoaded(st *RunState) {
	fp, exists, err := r.source.Metadata()
	if err != nil {
		log.Error("Failed to stat config file", "error", err)
		r.metrics.RecordReload(false)
		return
	}

	switch {
	case st.config == nil:
		// first load
	case !exists:
		// The file went away; keep enforcing the last good config.
		return
	case st.hasFingerprint && fp.Equal(st.fingerprint):
		return
	}

	// The fingerprint is taken before reading, so a write racing with Load
	// changes the file again after fp and is picked up on the next tick.
	cfg, err := r.source.Load()
	if err != nil {
		log.Error("Failed to reload config, keeping previous", "error", err)
		r.metrics.RecordReload(false)
		return
	}

	if st.config != nil {
		// Deleted between Metadata and Load: Load saw no file and returned an
		// empty config. Keep the previous one, as for any missing file.
		if _, stillExists, err := r.source.Metadata(); err == nil && !stillExists {
			log.Warn("Config file disappeared during reload, keeping previous")
			return
		}
	}

	dropInvalidPeriods(&cfg)

	st.config = &cfg
	st.fingerprint = fp
	st.hasFingerprint = exists
	r.metrics.RecordReload(true)

	log.Info("Config loaded",
		"users", len(cfg.UserConfig),
		"size", fp.Size,
		"modified", fp.ModTime)
	r.record(journal.EventConfigLoaded, "", fmt.Sprintf("users=%d", len(cfg.UserConfig)))
}

// dropInvalidPeriods removes periods that fail validation so they never reach
// evaluation. A hand-edited "hour": 30 would otherwise roll into the next day.
func dropInvalidPeriods(cfg *types.Config) {
	for name, uc := range cfg.UserConfig {
		valid, errs := schedule.Sanitize(uc.Schedule)
		if len(errs) == 0 {
			continue
		}
		for _, err := range errs {
			log.Warn("Ignoring invalid open period", "user", name, "error", err)
		}
		uc.Schedule = valid
		cfg.UserConfig[name] = uc
	}
}

// reconcile drives every configured user toward its desired lock state.
func (r *Runner) reconcile(ctx context.Context, st *RunState, now time.Time) error {
	var errs []error

	for _, name := range st.sortedUsernames() {
		uc := st.config.UserConfig[name]
		us := st.user(name)

		desired := types.DesiredLockState(schedule.IsOpen(now, uc.Schedule))
		if desired == us.lock {
			continue
		}

		if err := r.enforce(ctx, name, desired); err != nil {
			us.failures++
			us.lastError = err.Error()
			log.Error("Enforcement failed, will retry next tick",
				"user", name,
				"desired", desired,
				"current", us.lock,
				"attempt", us.failures,
				"error", err)
			// Only the first failure of a streak; retries would flood the journal.
			if us.failures == 1 {
				r.record(journal.EventFailed, name, err.Error())
			}
			errs = append(errs, err)
			continue
		}

		log.Info("User state changed",
			"user", name,
			"from", us.lock,
			"to", desired)
		eventType := journal.EventUnlocked
		if desired.Locked() {
			eventType = journal.EventLocked
		}
		r.record(eventType, name, "from="+us.lock.String())
		us.lock = desired
		us.lastChange = now
		us.lastError = ""
		us.failures = 0
	}

	return errors.Join(errs...)
}

// enforce makes one bounded SetLocked call. A panicking enforcer is reported
// as a failure of this user only.
func (r *Runner) enforce(ctx context.Context, username string, desired types.LockState) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.EnforcementTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: enforcer panicked: %v", enforce.ErrEnforcement, p)
		}
		r.metrics.RecordEnforcement(desired.Locked(), err == nil)
	}()

	return r.enforcer.SetLocked(ctx, username, desired.Locked())
}

func (r *Runner) record(t journal.EventType, username, detail string) {
	if _, err := r.config.Journal.Append(t, username, detail); err != nil {
		log.Warn("Failed to write journal", "type", t, "user", username, "error", err)
	}
}

// ============================================================================
// Readers
// ============================================================================

// Snapshot returns a copy of the current state, evaluated at the Runner's
// clock. It waits for a running tick to finish.
func (r *Runner) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.snapshot(r.config.Now(), r.LastTick())
}

// LastTick returns when the last tick finished, or the zero time.
func (r *Runner) LastTick() time.Time {
	ns := r.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Ticks returns the number of finished ticks.
func (r *Runner) Ticks() uint64 {
	return r.ticks.Load()
}

// TickInterval returns the configured interval.
func (r *Runner) TickInterval() time.Duration {
	return r.config.TickInterval
}

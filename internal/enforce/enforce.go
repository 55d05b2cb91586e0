// ============================================================================
// heimdall Enforcement - making lock decisions visible to the user
// ============================================================================
//
// Package: internal/enforce
// File: enforce.go
// Purpose: The side-effecting half of the runloop. The runloop decides
//          *whether* a user should be locked; an Enforcer makes it so.
//
// Implementations:
//   - LogEnforcer:     logs the transition only (dry run / development)
//   - CommandEnforcer: OS commands (dscl + launchctl on darwin,
//                      usermod + loginctl on linux)
//   - Limited:         decorator that rate-limits another Enforcer
//
// Contract:
//   SetLocked must be safe to call repeatedly with the same arguments; the
//   runloop retries on every tick until a call succeeds. Callers bound the
//   call with a context deadline.
//
// ============================================================================

package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

var log = slog.Default()

// ErrEnforcement is wrapped by every failed enforcement attempt.
var ErrEnforcement = errors.New("enforcement failed")

// Enforcer performs the OS-level effect of locking or unlocking a user.
type Enforcer interface {
	SetLocked(ctx context.Context, username string, locked bool) error
}

// EnforcerFunc adapts a function to the Enforcer interface.
type EnforcerFunc func(ctx context.Context, username string, locked bool) error

// SetLocked calls f.
func (f EnforcerFunc) SetLocked(ctx context.Context, username string, locked bool) error {
	return f(ctx, username, locked)
}

// ============================================================================
// LogEnforcer
// ============================================================================

// LogEnforcer only records transitions.
type LogEnforcer struct{}

// SetLocked logs the requested state and always succeeds.
func (LogEnforcer) SetLocked(ctx context.Context, username string, locked bool) error {
	log.Info("User lock state changed", "user", username, "locked", locked)
	return nil
}

// ============================================================================
// Limited
// ============================================================================

// Limited wraps an Enforcer with a token bucket. Calls beyond the budget fail
// immediately so the runloop retries them on a later tick instead of blocking
// the current one.
type Limited struct {
	next    Enforcer
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls on average with the given burst.
func NewLimited(next Enforcer, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

// SetLocked forwards to the wrapped Enforcer if a token is available.
func (l *Limited) SetLocked(ctx context.Context, username string, locked bool) error {
	if !l.limiter.Allow() {
		return fmt.Errorf("%w: rate limited (user %s)", ErrEnforcement, username)
	}
	return l.next.SetLocked(ctx, username, locked)
}

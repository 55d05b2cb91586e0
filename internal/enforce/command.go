package enforce

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Secret names under which the per-user passwords are stored.
const (
	SecretNormal   = "normal"
	SecretLockdown = "lockdown"
)

// CommandRunner executes an external program and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. The combined output is attached to errors.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Credentials resolves stored passwords for a user.
type Credentials interface {
	Get(username, name string) (string, error)
}

// CommandEnforcer applies lock state with OS tools.
//
// On darwin the account password is swapped between the normal and the
// lockdown password and the user's launchd domain is booted out on lock. On
// linux the account is locked with usermod and any sessions are terminated
// with loginctl.
type CommandEnforcer struct {
	GOOS     string
	Runner   CommandRunner
	Secrets  Credentials // darwin only
	Notifier *Notifier   // optional
}

// NewCommandEnforcer returns an enforcer for the running platform.
func NewCommandEnforcer(secrets Credentials) *CommandEnforcer {
	runner := ExecRunner{}
	return &CommandEnforcer{
		GOOS:     runtime.GOOS,
		Runner:   runner,
		Secrets:  secrets,
		Notifier: NewNotifier(runtime.GOOS, runner),
	}
}

// SetLocked implements Enforcer.
func (e *CommandEnforcer) SetLocked(ctx context.Context, username string, locked bool) error {
	var err error
	switch e.GOOS {
	case "darwin":
		err = e.setLockedDarwin(ctx, username, locked)
	case "linux":
		err = e.setLockedLinux(ctx, username, locked)
	default:
		err = fmt.Errorf("unsupported platform %q", e.GOOS)
	}
	if err != nil {
		return fmt.Errorf("%w: user %s locked=%t: %v", ErrEnforcement, username, locked, err)
	}

	if e.Notifier != nil {
		title, msg := "Heimdall", fmt.Sprintf("%s is now unlocked", username)
		if locked {
			msg = fmt.Sprintf("%s is now locked", username)
		}
		if nerr := e.Notifier.Notify(ctx, title, msg); nerr != nil {
			log.Warn("Notification failed", "user", username, "error", nerr)
		}
	}
	return nil
}

func (e *CommandEnforcer) setLockedDarwin(ctx context.Context, username string, locked bool) error {
	if e.Secrets == nil {
		return errors.New("no credential store configured")
	}
	normal, err := e.Secrets.Get(username, SecretNormal)
	if err != nil {
		return fmt.Errorf("normal password: %w", err)
	}
	lockdown, err := e.Secrets.Get(username, SecretLockdown)
	if err != nil {
		return fmt.Errorf("lockdown password: %w", err)
	}

	oldPw, newPw := lockdown, normal
	if locked {
		oldPw, newPw = normal, lockdown
	}

	userPath := "/Users/" + username
	if _, err := e.Runner.Run(ctx, "dscl", ".", "passwd", userPath, oldPw, newPw); err != nil {
		// A previous attempt may have changed the password and then failed
		// later; if the target password already works there is nothing to do.
		if _, verr := e.Runner.Run(ctx, "dscl", ".", "-authonly", username, newPw); verr != nil {
			return err
		}
	}

	if !locked {
		return nil
	}
	return e.bootOutDarwin(ctx, username)
}

func (e *CommandEnforcer) bootOutDarwin(ctx context.Context, username string) error {
	out, err := e.Runner.Run(ctx, "id", "-u", username)
	if err != nil {
		return err
	}
	uid := strings.TrimSpace(out)
	if _, err := e.Runner.Run(ctx, "launchctl", "bootout", "user/"+uid); err != nil {
		// Nothing to boot out when the user is not logged in.
		log.Debug("launchctl bootout failed", "user", username, "error", err)
	}
	return nil
}

func (e *CommandEnforcer) setLockedLinux(ctx context.Context, username string, locked bool) error {
	flag := "-U"
	if locked {
		flag = "-L"
	}
	if _, err := e.Runner.Run(ctx, "usermod", flag, username); err != nil {
		return err
	}

	if locked {
		if _, err := e.Runner.Run(ctx, "loginctl", "terminate-user", username); err != nil {
			log.Debug("loginctl terminate-user failed", "user", username, "error", err)
		}
	}
	return nil
}

// ============================================================================
// Notifications
// ============================================================================

// Notifier shows transient desktop notifications.
type Notifier struct {
	goos   string
	runner CommandRunner
}

// NewNotifier returns a Notifier for goos.
func NewNotifier(goos string, runner CommandRunner) *Notifier {
	return &Notifier{goos: goos, runner: runner}
}

// Notify shows title and message to the logged-in user.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	switch n.goos {
	case "darwin":
		script := fmt.Sprintf("display notification \"%s\" sound name \"Submarine\" with title \"%s\"",
			sanitizeForQuotes(message), sanitizeForQuotes(title))
		_, err := n.runner.Run(ctx, "osascript", "-e", script)
		return err
	case "linux":
		_, err := n.runner.Run(ctx, "notify-send", title, message)
		return err
	default:
		return nil
	}
}

func sanitizeForQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, "")
}

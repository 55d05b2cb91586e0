// Package osuser enumerates the human accounts of the local machine so the
// admin UI can offer them for scheduling.
package osuser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/brianduff/heimdall/internal/enforce"
)

// User is one local account.
type User struct {
	Username string `json:"username"`
	RealName string `json:"realname"`
	ID       uint64 `json:"id"`
}

// Lister lists local users for one platform.
type Lister struct {
	GOOS       string
	Runner     enforce.CommandRunner
	PasswdPath string
}

// NewLister returns a Lister for the running platform.
func NewLister() *Lister {
	return &Lister{
		GOOS:       runtime.GOOS,
		Runner:     enforce.ExecRunner{},
		PasswdPath: "/etc/passwd",
	}
}

// List returns human accounts sorted by username. Built-in accounts (names
// starting with "_") and special accounts such as root are left out.
func (l *Lister) List(ctx context.Context) ([]User, error) {
	var (
		users []User
		err   error
	)
	switch l.GOOS {
	case "darwin":
		users, err = l.listDarwin(ctx)
	case "linux":
		users, err = l.listLinux()
	default:
		return nil, fmt.Errorf("listing users is not supported on %s", l.GOOS)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// IsNormalUser reports whether name is not a built-in account.
func IsNormalUser(name string) bool {
	return name != "" && name[0] != '_'
}

// IsSpecialAccount reports whether name is a system account that must never
// be scheduled.
func IsSpecialAccount(name string) bool {
	switch name {
	case "daemon", "nobody", "root", "sysadmin":
		return true
	}
	return false
}

func keep(name string) bool {
	return IsNormalUser(name) && !IsSpecialAccount(name)
}

// ============================================================================
// darwin
// ============================================================================

func (l *Lister) listDarwin(ctx context.Context) ([]User, error) {
	ids, err := l.Runner.Run(ctx, "dscl", ".", "-list", "/Users", "UniqueID")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	names, err := l.Runner.Run(ctx, "dscl", ".", "-list", "/Users", "RealName")
	if err != nil {
		return nil, fmt.Errorf("list real names: %w", err)
	}
	return parseDscl(ids, names), nil
}

// parseDscl joins the "name value" columns of two `dscl -list` outputs.
func parseDscl(ids, realNames string) []User {
	realByName := map[string]string{}
	for _, line := range strings.Split(realNames, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		realByName[fields[0]] = strings.Join(fields[1:], " ")
	}

	var users []User
	for _, line := range strings.Split(ids, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || !keep(fields[0]) {
			continue
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		users = append(users, User{Username: fields[0], RealName: realByName[fields[0]], ID: id})
	}
	return users
}

// ============================================================================
// linux
// ============================================================================

// minLinuxUID is the first uid useradd hands out to regular users.
const minLinuxUID = 1000

func (l *Lister) listLinux() ([]User, error) {
	f, err := os.Open(l.PasswdPath)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer f.Close()
	return parsePasswd(f)
}

// parsePasswd reads passwd(5) lines, keeping regular accounts with a login
// shell.
func parsePasswd(r io.Reader) ([]User, error) {
	var users []User
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || !keep(fields[0]) {
			continue
		}
		id, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil || id < minLinuxUID {
			continue
		}
		shell := fields[6]
		if strings.HasSuffix(shell, "nologin") || strings.HasSuffix(shell, "/false") {
			continue
		}
		realName, _, _ := strings.Cut(fields[4], ",")
		users = append(users, User{Username: fields[0], RealName: realName, ID: id})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read passwd: %w", err)
	}
	return users, nil
}

// Hostname returns the machine's host name, or "unknown".
func Hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "unknown"
	}
	return name
}

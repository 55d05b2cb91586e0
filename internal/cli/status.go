package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/brianduff/heimdall/internal/configstore"
	"github.com/brianduff/heimdall/internal/schedule"
	"github.com/brianduff/heimdall/pkg/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#5B8DEF"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#AAAAAA"))
	openStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#50FA7B"))
	lockedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// evaluation is the decision for one user at one instant.
type evaluation struct {
	Username string
	Open     bool
	Note     string
	Next     time.Time
	HasNext  bool
	Periods  int
}

func evaluate(uc types.UserConfig, now time.Time) evaluation {
	// The daemon ignores invalid periods; so does the offline view.
	sched, _ := schedule.Sanitize(uc.Schedule)
	ev := evaluation{
		Username: uc.Username,
		Open:     schedule.IsOpen(now, sched),
		Periods:  len(sched.OpenPeriods),
	}
	if p, ok := schedule.FindMaxOpenPeriod(now, sched); ok {
		ev.Note = p.Note
	}
	ev.Next, ev.HasNext = schedule.NextTransition(now, sched)
	return ev
}

func stateLabel(open bool) string {
	if open {
		return openStyle.Render("OPEN")
	}
	return lockedStyle.Render("LOCKED")
}

func nextLabel(ev evaluation, now time.Time) string {
	if !ev.HasNext {
		return dimStyle.Render("never")
	}
	return fmt.Sprintf("%s (in %s)", ev.Next.Format("Mon 15:04"), ev.Next.Sub(now).Round(time.Minute))
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current status of every scheduled user",
		Long:  "Evaluate every configured schedule at the current time",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.OutOrStdout(), cfg.ConfigPath, time.Now())
		},
	}
	return cmd
}

func showStatus(w io.Writer, path string, now time.Time) error {
	users, err := configstore.New(path).Load()
	if err != nil {
		return err
	}

	fmt.Fprintln(w, titleStyle.Render("heimdall status"))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%s · %s", path, now.Format("Mon Jan 2 15:04 MST"))))
	fmt.Fprintln(w)

	if users.IsNew() {
		fmt.Fprintln(w, boxStyle.Render("No users configured yet."))
		return nil
	}

	names := sortedNames(users)

	width := len("USER")
	for _, name := range names {
		if len(name) > width {
			width = len(name)
		}
	}
	col := lipgloss.NewStyle().Width(width + 2)
	stateCol := lipgloss.NewStyle().Width(8)

	var rows []string
	rows = append(rows, headerStyle.Render(col.Render("USER")+stateCol.Render("STATE")+"NEXT CHANGE"))
	for _, name := range names {
		ev := evaluate(users.UserConfig[name], now)
		row := col.Render(name) + stateCol.Render(stateLabel(ev.Open)) + nextLabel(ev, now)
		if ev.Note != "" {
			row += "  " + dimStyle.Render(ev.Note)
		}
		rows = append(rows, row)
	}

	fmt.Fprintln(w, boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
	return nil
}

// ============================================================================
// check
// ============================================================================

func buildCheckCommand() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "check <user>",
		Short: "Check whether a user may log in",
		Long:  "Evaluate one user's schedule now, or at --at (RFC3339)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			now := time.Now()
			if at != "" {
				now, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
			}
			return checkUser(cmd.OutOrStdout(), cfg.ConfigPath, args[0], now)
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate at this time (RFC3339) instead of now")
	return cmd
}

func checkUser(w io.Writer, path, username string, now time.Time) error {
	users, err := configstore.New(path).Load()
	if err != nil {
		return err
	}
	uc, ok := users.UserConfig[username]
	if !ok {
		return fmt.Errorf("%w: %s", configstore.ErrUserNotFound, username)
	}

	ev := evaluate(uc, now)
	fmt.Fprintf(w, "%s is %s at %s\n", username, stateLabel(ev.Open), now.Format("Mon 15:04"))
	if ev.Note != "" {
		fmt.Fprintf(w, "  note: %s\n", ev.Note)
	}
	fmt.Fprintf(w, "  next change: %s\n", nextLabel(ev, now))
	return nil
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the schedule config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return validateSchedules(cmd.OutOrStdout(), cfg.ConfigPath)
		},
	}
	return cmd
}

func validateSchedules(w io.Writer, path string) error {
	users, err := configstore.New(path).Load()
	if err != nil {
		return err
	}
	if err := configstore.Validate(users); err != nil {
		return err
	}

	periods := 0
	for _, uc := range users.UserConfig {
		periods += len(uc.Schedule.OpenPeriods)
	}
	fmt.Fprintf(w, "%s: %d users, %d open periods\n",
		openStyle.Render("OK"), len(users.UserConfig), periods)
	for _, name := range sortedNames(users) {
		for _, p := range users.UserConfig[name].Schedule.OpenPeriods {
			fmt.Fprintf(w, "  %-12s %s - %s  %s\n", name, p.Start, p.End, strings.TrimSpace(p.Note))
		}
	}
	return nil
}

func sortedNames(cfg types.Config) []string {
	names := cfg.Usernames()
	sort.Strings(names)
	return names
}

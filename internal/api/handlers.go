package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/brianduff/heimdall/internal/configstore"
	"github.com/brianduff/heimdall/internal/enforce"
	"github.com/brianduff/heimdall/internal/osuser"
	"github.com/brianduff/heimdall/internal/schedule"
	"github.com/brianduff/heimdall/internal/storage/journal"
	"github.com/brianduff/heimdall/pkg/types"
	"github.com/gin-gonic/gin"
)

// --- Request / response types ---

type statusResp struct {
	Hostname string       `json:"hostname"`
	IsNew    bool         `json:"is_new"`
	Message  string       `json:"message"`
	LastTick *time.Time   `json:"last_tick,omitempty"`
	Users    []userStatus `json:"users"`
}

type userStatus struct {
	Username       string          `json:"username"`
	State          types.LockState `json:"state"`
	Open           bool            `json:"open"`
	Note           string          `json:"note,omitempty"`
	NextTransition *time.Time      `json:"next_transition,omitempty"`
	LastChange     *time.Time      `json:"last_change,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

type userResp struct {
	Username string         `json:"username"`
	Schedule types.Schedule `json:"schedule"`
}

type addUserReq struct {
	Username         string         `json:"username"`
	NormalPassword   string         `json:"normal_password"`
	LockdownPassword string         `json:"lockdown_password"`
	Schedule         types.Schedule `json:"schedule"`
}

// --- Handlers ---

func (s *Server) handleStatus(c *gin.Context) {
	st := s.status.Snapshot()

	resp := statusResp{
		Hostname: s.opts.Hostname,
		IsNew:    st.IsNew,
		Message:  "Hello again!",
		Users:    make([]userStatus, 0, len(st.Users)),
	}
	if st.IsNew {
		resp.Message = "Welcome!"
	}
	if !st.LastTick.IsZero() {
		lt := st.LastTick
		resp.LastTick = &lt
	}
	for _, u := range st.Users {
		resp.Users = append(resp.Users, userStatus{
			Username:       u.Username,
			State:          u.State,
			Open:           u.Open,
			Note:           u.Note,
			NextTransition: u.NextTransition,
			LastChange:     u.LastChange,
			LastError:      u.LastError,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleOSUsers(c *gin.Context) {
	if s.lister == nil {
		writeErr(c, http.StatusNotImplemented, "listing OS users is not available")
		return
	}
	users, err := s.lister.List(c.Request.Context())
	if err != nil {
		log.Error("Failed to list OS users", "error", err)
		writeErr(c, http.StatusInternalServerError, err.Error())
		return
	}
	if users == nil {
		users = []osuser.User{}
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleListUsers(c *gin.Context) {
	cfg, err := s.users.Load()
	if err != nil {
		writeStoreErr(c, err)
		return
	}

	names := cfg.Usernames()
	sort.Strings(names)
	out := make([]userResp, 0, len(names))
	for _, name := range names {
		uc := cfg.UserConfig[name]
		sched := uc.Schedule
		if sched.OpenPeriods == nil {
			sched.OpenPeriods = []types.OpenPeriod{}
		}
		out = append(out, userResp{Username: uc.Username, Schedule: sched})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAddUser(c *gin.Context) {
	var req addUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErr(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if msg := checkUsername(req.Username); msg != "" {
		writeErr(c, http.StatusBadRequest, msg)
		return
	}

	// Passwords never reach the config file.
	uc := types.UserConfig{Username: req.Username, Schedule: req.Schedule}
	if err := s.users.AddUser(uc); err != nil {
		writeStoreErr(c, err)
		return
	}

	if err := s.storePasswords(c, req); err != nil {
		log.Error("Failed to store passwords, removing user", "user", req.Username, "error", err)
		if rmErr := s.users.RemoveUser(req.Username); rmErr != nil {
			log.Error("Rollback failed", "user", req.Username, "error", rmErr)
		}
		// A password stored before the failure would otherwise be orphaned.
		if delErr := s.secrets.Delete(c.Request.Context(), req.Username); delErr != nil {
			log.Error("Rollback of passwords failed", "user", req.Username, "error", delErr)
		}
		writeErr(c, http.StatusInternalServerError, "failed to store passwords")
		return
	}

	log.Info("User added", "user", req.Username, "periods", len(req.Schedule.OpenPeriods))
	s.trigger()
	c.JSON(http.StatusCreated, userResp{Username: uc.Username, Schedule: uc.Schedule})
}

func (s *Server) storePasswords(c *gin.Context, req addUserReq) error {
	if req.NormalPassword == "" && req.LockdownPassword == "" {
		return nil
	}
	if s.secrets == nil {
		log.Warn("No secret store configured, discarding passwords", "user", req.Username)
		return nil
	}
	ctx := c.Request.Context()
	if req.NormalPassword != "" {
		if err := s.secrets.Put(ctx, req.Username, enforce.SecretNormal, req.NormalPassword); err != nil {
			return err
		}
	}
	if req.LockdownPassword != "" {
		if err := s.secrets.Put(ctx, req.Username, enforce.SecretLockdown, req.LockdownPassword); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleUpdateSchedule(c *gin.Context) {
	username := c.Param("username")

	var sched types.Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		writeErr(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if err := s.users.UpdateSchedule(username, sched); err != nil {
		writeStoreErr(c, err)
		return
	}

	log.Info("Schedule updated", "user", username, "periods", len(sched.OpenPeriods))
	s.trigger()
	c.JSON(http.StatusOK, userResp{Username: username, Schedule: sched})
}

func (s *Server) handleRemoveUser(c *gin.Context) {
	username := c.Param("username")

	// Passwords stay: the run loop still needs them to unlock the account,
	// and deletes them once it has.
	if err := s.users.RemoveUser(username); err != nil {
		writeStoreErr(c, err)
		return
	}

	log.Info("User removed", "user", username)
	s.trigger()
	c.Status(http.StatusNoContent)
}

func (s *Server) trigger() {
	if s.opts.Trigger != nil {
		s.opts.Trigger()
	}
}

// --- Helpers ---

// checkUsername returns a message when name cannot be scheduled.
func checkUsername(name string) string {
	switch {
	case strings.TrimSpace(name) == "":
		return "username is required"
	case strings.ContainsAny(name, "/: \t\n"):
		return "username contains invalid characters"
	case !osuser.IsNormalUser(name) || osuser.IsSpecialAccount(name):
		return "username refers to a system account"
	}
	return ""
}

// writeStoreErr maps config store errors to HTTP statuses.
func writeStoreErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, configstore.ErrUserExists):
		writeErr(c, http.StatusConflict, err.Error())
	case errors.Is(err, configstore.ErrUserNotFound):
		writeErr(c, http.StatusNotFound, err.Error())
	case errors.Is(err, schedule.ErrInvalidPeriod):
		writeErr(c, http.StatusBadRequest, err.Error())
	default:
		log.Error("Config store failure", "error", err)
		writeErr(c, http.StatusInternalServerError, err.Error())
	}
}

// --- History ---

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

type historyEntry struct {
	Seq      uint64            `json:"seq"`
	Type     journal.EventType `json:"type"`
	Username string            `json:"username,omitempty"`
	Detail   string            `json:"detail,omitempty"`
	Time     time.Time         `json:"time"`
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.opts.History == nil {
		writeErr(c, http.StatusNotImplemented, "history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	events, err := s.opts.History.Recent(limit, c.Query("user"))
	if err != nil {
		// Recent still returns what it read before the damage.
		log.Warn("Journal read incomplete", "error", err, "events", len(events))
	}

	out := make([]historyEntry, 0, len(events))
	for _, e := range events {
		out = append(out, historyEntry{
			Seq:      e.Seq,
			Type:     e.Type,
			Username: e.Username,
			Detail:   e.Detail,
			Time:     time.UnixMilli(e.Timestamp).UTC(),
		})
	}
	c.JSON(http.StatusOK, out)
}

func writeErr(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

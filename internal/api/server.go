// ============================================================================
// heimdall HTTP API
// ============================================================================
//
// Package: internal/api
// File: server.go
// Purpose: Admin API and static UI for managing scheduled users.
//
// Routes:
//   GET    /healthz
//   GET    /api/status
//   GET    /api/osusers
//   GET    /api/users
//   POST   /api/users
//   PUT    /api/users/:username/schedule
//   DELETE /api/users/:username
//   GET    /api/history?user=&limit=
//   GET    /*            static UI (when StaticDir is set)
//
// Every mutation goes through the config store, so the run loop sees it on its
// next fingerprint check. Trigger (when set) asks for that check right away.
//
// ============================================================================

package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brianduff/heimdall/internal/osuser"
	"github.com/brianduff/heimdall/internal/runloop"
	"github.com/brianduff/heimdall/internal/storage/journal"
	"github.com/brianduff/heimdall/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var log = slog.Default()

const requestIDHeader = "X-Request-ID"

// StatusSource reports the run loop's current view.
type StatusSource interface {
	Snapshot() runloop.Status
}

// UserStore persists user schedules.
type UserStore interface {
	Load() (types.Config, error)
	AddUser(uc types.UserConfig) error
	UpdateSchedule(username string, sched types.Schedule) error
	RemoveUser(username string) error
}

// SecretStore keeps account passwords out of the config file.
type SecretStore interface {
	Put(ctx context.Context, username, name, value string) error
	Delete(ctx context.Context, username string) error
}

// UserLister enumerates accounts of the machine.
type UserLister interface {
	List(ctx context.Context) ([]osuser.User, error)
}

// HistorySource returns recorded lock transitions, newest first.
type HistorySource interface {
	Recent(limit int, username string) ([]journal.Event, error)
}

// Options tune the server. Zero values disable the matching feature.
type Options struct {
	Hostname  string
	StaticDir string
	RateLimit float64 // requests per second across all clients
	Burst     int
	Trigger   func() // asks the run loop for an early tick
	History   HistorySource
}

// Server wires the handlers to their collaborators.
type Server struct {
	status  StatusSource
	users   UserStore
	secrets SecretStore // may be nil
	lister  UserLister
	opts    Options
	router  *gin.Engine
}

// NewServer builds the router. secrets may be nil, in which case submitted
// passwords are discarded.
func NewServer(status StatusSource, users UserStore, secrets SecretStore, lister UserLister, opts Options) *Server {
	if opts.Hostname == "" {
		opts.Hostname = osuser.Hostname()
	}

	s := &Server{
		status:  status,
		users:   users,
		secrets: secrets,
		lister:  lister,
		opts:    opts,
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestID(), accessLog())
	if opts.RateLimit > 0 {
		s.router.Use(rateLimit(opts.RateLimit, opts.Burst))
	}
	s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/osusers", s.handleOSUsers)
	api.GET("/users", s.handleListUsers)
	api.POST("/users", s.handleAddUser)
	api.PUT("/users/:username/schedule", s.handleUpdateSchedule)
	api.DELETE("/users/:username", s.handleRemoveUser)
	api.GET("/history", s.handleHistory)

	if s.opts.StaticDir != "" {
		files := http.FileServer(http.Dir(s.opts.StaticDir))
		s.router.NoRoute(func(c *gin.Context) {
			if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			files.ServeHTTP(c.Writer, c.Request)
		})
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP API", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info("Shutting down HTTP API")
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// Middleware
// ============================================================================

// requestID propagates or assigns an X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.GetString("request_id"))
	}
}

// rateLimit rejects requests beyond a global token bucket.
func rateLimit(perSecond float64, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

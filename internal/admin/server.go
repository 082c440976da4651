// Package admin serves the operator HTTP API: health, metrics and thread
// inspection.
package admin

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/threadbot/internal/cron"
	"github.com/stellarlinkco/threadbot/internal/thread"
)

const tokenHeader = "X-Admin-Token"

// Deps is everything the admin API reads from the running gateway.
type Deps struct {
	Registry  *thread.Registry
	Platforms cron.PlatformLookup
	Channels  func() []string
	Metrics   http.Handler
	Stuck     func() []cron.StuckThread
	Jobs      func() []cron.Job
	Poll      thread.PollConfig
	// DefaultChannel hosts threads the registry has not seen yet.
	DefaultChannel string
}

type Server struct {
	router *gin.Engine
	deps   Deps
	token  string
	srv    *http.Server
	ln     net.Listener
}

func NewServer(token string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	if deps.DefaultChannel == "" {
		deps.DefaultChannel = "discord"
	}
	s := &Server{router: r, deps: deps, token: token}
	s.registerRoutes()
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.router }

// Start listens on host:port and serves in the background.
func (s *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return errors.Wrap(err, "admin listen")
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Str("component", "admin").Err(err).Msg("serve")
		}
	}()
	log.Info().Str("component", "admin").Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("component", "admin").
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(tokenHeader)
		if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			unauthorized(c)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Package bridge exposes the device state and command dispatch over HTTP
// and WebSocket.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/command"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/ledger"
)

// Dispatcher issues commands and lists the pending ones.
type Dispatcher interface {
	Dispatch(cmd command.Command) (<-chan error, error)
	Pending() []command.Pending
}

// History returns recent command ledger entries.
type History interface {
	Recent(limit int) ([]*ledger.Entry, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// WaitTimeout bounds how long POST /commands?wait=true blocks.
	WaitTimeout     time.Duration
	ShutdownTimeout time.Duration
	Bus             *eventbus.Bus
	History         History
}

// Server serves the bridge API.
type Server struct {
	opts       Options
	store      *device.Store
	dispatch   Dispatcher
	hub        *Hub
	engine     *gin.Engine
	httpServer *http.Server
}

// New creates a server. Nothing listens until Run.
func New(store *device.Store, d Dispatcher, opts Options) *Server {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		opts:     opts,
		store:    store,
		dispatch: d,
		hub:      NewHub(store, d),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	engine.GET("/health", s.health)
	engine.GET("/ready", s.ready)
	engine.GET("/state", s.state)
	engine.GET("/series/:metric", s.series)
	engine.POST("/commands", s.postCommand)
	engine.GET("/commands/pending", s.pending)
	engine.GET("/ledger/recent", s.recent)
	engine.GET("/ws", s.hub.Serve)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run starts the hub and the HTTP server. It blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.opts.Bus != nil {
		s.hub.Watch(s.opts.Bus)
	}
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.engine,
	}

	log.Info().Str("addr", s.opts.Addr).Msg("Starting bridge server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Bridge server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("Bridge request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// ready is 200 once the store received data, 503 while loading or empty.
func (s *Server) ready(c *gin.Context) {
	status := s.store.Status()
	code := http.StatusOK
	if status != device.StatusReady {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status.String()})
}

func (s *Server) state(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.View())
}

// series returns ?last=n most recent readings, or the history downsampled
// to ?points=k, or the full history.
func (s *Server) series(c *gin.Context) {
	metric, err := channel.ParseMetric(c.Param("metric"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	if last := c.Query("last"); last != "" {
		n, err := strconv.Atoi(last)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "last must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"metric": metric, "readings": s.store.LastN(metric, n)})
		return
	}

	if points := c.Query("points"); points != "" {
		k, err := strconv.Atoi(points)
		if err != nil || k < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "points must be a non-negative integer"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"metric": metric, "readings": s.store.Chart(metric, k)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"metric": metric, "readings": s.store.Series(metric)})
}

// postCommand dispatches a command. With ?wait=true it answers after the
// store write finished.
func (s *Server) postCommand(c *gin.Context) {
	var cmd command.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := command.ParseKind(string(cmd.Kind))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd.Kind = kind

	result, err := s.dispatch.Dispatch(cmd)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "command": cmd.String()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.WaitTimeout)
	defer cancel()
	select {
	case err := <-result:
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "command": cmd.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "written", "command": cmd.String()})
	case <-ctx.Done():
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timed out waiting for write", "command": cmd.String()})
	}
}

func (s *Server) pending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.dispatch.Pending()})
}

func (s *Server) recent(c *gin.Context) {
	if s.opts.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "command ledger disabled"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.opts.History.Recent(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read command ledger")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read command ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// statusFor maps a dispatch rejection to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, command.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, actuator.ErrSameSlot),
		errors.Is(err, actuator.ErrInactiveSlot),
		errors.Is(err, actuator.ErrOperating),
		errors.Is(err, command.ErrNoModel):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

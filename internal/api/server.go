package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/satlink-project/satlink/internal/config"
	"github.com/satlink-project/satlink/internal/db"
	"github.com/satlink-project/satlink/internal/events"
	"github.com/satlink-project/satlink/internal/network"
	"github.com/satlink-project/satlink/internal/util"
)

// Controller is the device listener as seen by the API.
type Controller interface {
	Start() error
	Stop()
	IsRunning() bool
	Addr() net.Addr
	Stats() network.Stats
	Active() (network.Info, bool)
}

// History is the session and alert store as seen by the API.
type History interface {
	RecentSessions(ctx context.Context, limit int) ([]db.SessionRecord, error)
	Session(ctx context.Context, sessionID string) (*db.SessionRecord, error)
	Summarize(ctx context.Context, since time.Time) (*db.Summary, error)
	UnacknowledgedAlerts(ctx context.Context) ([]db.Alert, error)
	AcknowledgeAlert(ctx context.Context, id int64) error
}

// Server is the HTTP status and control API.
type Server struct {
	cfg     *config.Config
	bus     *events.Bus
	ctrl    Controller
	history History
	version string

	once       sync.Once
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates an API server. history may be nil, in which case the
// history endpoints answer 503.
func NewServer(cfg *config.Config, bus *events.Bus, ctrl Controller, history History, version string) *Server {
	if cfg.GetLogging().Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:     cfg,
		bus:     bus,
		ctrl:    ctrl,
		history: history,
		version: version,
	}
}

// Handler returns the router, building it on first use.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() { s.router = s.buildRouter() })
	return s.router
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	apiCfg := s.cfg.GetAPI()
	addr := apiCfg.ListenAddr()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("component", "api").Str("addr", addr).Bool("tls", apiCfg.TLS).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if apiCfg.TLS {
		if _, err := util.EnsureSelfSignedCert(apiCfg.TLSCertFile, apiCfg.TLSKeyFile,
			[]string{apiCfg.Host, "localhost"}); err != nil {
			ln.Close()
			return fmt.Errorf("API TLS setup failed: %w", err)
		}
		err = s.httpServer.ServeTLS(ln, apiCfg.TLSCertFile, apiCfg.TLSKeyFile)
	} else {
		err = s.httpServer.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	apiCfg := s.cfg.GetAPI()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := apiCfg.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	router.Use(NewRateLimiter(apiCfg.RateLimitRPS).Middleware())

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/version", s.handleVersion)
	}

	monitor := router.Group("/api/monitor")
	{
		monitor.GET("/status", s.handleStatus)
		monitor.GET("/stats", s.handleStats)
		monitor.GET("/sessions", s.requireHistory, s.handleSessions)
		monitor.GET("/sessions/:id", s.requireHistory, s.handleSession)
		monitor.GET("/summary", s.requireHistory, s.handleSummary)
		monitor.GET("/alerts", s.requireHistory, s.handleAlerts)
		monitor.POST("/alerts/:id/ack", s.requireHistory, s.handleAckAlert)
		monitor.GET("/system", s.handleSystem)
		monitor.GET("/logs", s.handleLogs)
	}

	control := router.Group("/api/control")
	{
		control.POST("/start", s.handleStart)
		control.POST("/stop", s.handleStop)
	}

	configure := router.Group("/api/configure")
	{
		configure.GET("/config", s.handleGetConfig)
		configure.POST("/set", s.handleSetField)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "satlink API is running"})
	})

	return router
}

func (s *Server) requireHistory(c *gin.Context) {
	if s.history == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "session history is not available"})
		return
	}
	c.Next()
}

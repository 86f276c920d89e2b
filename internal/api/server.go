package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fundarb/internal/cache"
	"fundarb/internal/config"
	"fundarb/internal/database"
	"fundarb/internal/logger"
	"fundarb/internal/scheduler"
	"fundarb/internal/strategy/pool"
)

// 每个客户端 IP 的限流窗口
const (
	apiRateLimit  = 120
	apiRateWindow = time.Minute
)

// Server is the HTTP control surface for the funding pool engine
type Server struct {
	cfg        *config.Config
	router     *gin.Engine
	httpServer *http.Server

	engine *pool.Engine
	sched  *scheduler.Scheduler
	db     *database.DB
	cacher cache.Cacher
	log    logger.Logger
}

// NewServer creates the API server and registers all routes. cacher backs the
// per-client rate limiter and may be nil, which disables it.
func NewServer(cfg *config.Config, engine *pool.Engine, sched *scheduler.Scheduler, db *database.DB, cacher cache.Cacher) *Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:    cfg,
		router: gin.New(),
		engine: engine,
		sched:  sched,
		db:     db,
		cacher: cacher,
		log:    logger.WithField("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.rateLimiter())
	{
		poolGroup := v1.Group("/pool")
		{
			poolGroup.GET("/status", s.handlePoolStatus)
			poolGroup.POST("/refresh", s.handlePoolRefresh)
		}

		positions := v1.Group("/positions")
		{
			positions.GET("", s.handlePositions)
			positions.POST("/close-all", s.handleCloseAll)
		}

		engineGroup := v1.Group("/engine")
		{
			engineGroup.POST("/start", s.handleEngineStart)
			engineGroup.POST("/stop", s.handleEngineStop)
		}

		v1.GET("/jobs", s.handleJobs)
	}
}

// rateLimiter 基于共享缓存按客户端 IP 限流
func (s *Server) rateLimiter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cacher == nil {
			c.Next()
			return
		}
		allowed, err := s.cacher.CheckRateLimit(c.Request.Context(),
			"api:"+c.ClientIP(), apiRateLimit, apiRateWindow)
		if err != nil {
			s.log.Warn("rate limit check failed", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, Response{
				Success: false,
				Error:   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// requestLogger 记录每个请求的方法、路径、状态码和耗时
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

// Start runs the HTTP server until it fails or Stop is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout.Std(),
		WriteTimeout: s.cfg.Server.WriteTimeout.Std(),
	}
	s.log.Info("API server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin router, used by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Package server exposes the latest samples over HTTP: JSON snapshots,
// per-device history, the log buffer and a WebSocket stream with one event
// per refresh cycle.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/gpuwatch/internal/export"
	"github.com/shepherd-project/gpuwatch/internal/history"
	"github.com/shepherd-project/gpuwatch/internal/logger"
	"github.com/shepherd-project/gpuwatch/internal/monitor"
	"github.com/shepherd-project/gpuwatch/internal/version"
)

// ErrNotStarted is returned by Stop before Start.
var ErrNotStarted = errors.New("server not started")

// Config contains server configuration
type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// History backs /api/v1/history; nil disables the route.
	History *history.Store
}

// Server represents the HTTP server. It implements monitor.Consumer.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config
	hub        *hub

	mu     sync.RWMutex
	latest *monitor.Snapshot
	wg     sync.WaitGroup
}

// NewServer creates a new HTTP server
func NewServer(config *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		config: config,
		hub:    newHub(),
		engine: gin.New(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		gin.Recovery(),
		s.corsMiddleware(),
		s.loggerMiddleware(),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/devices", s.handleDevices)
		api.GET("/history", s.handleHistory)

		logs := api.Group("/logs")
		{
			logs.GET("/stream", s.handleLogStream)
			logs.GET("/entries", s.handleLogEntries)
		}
	}
}

// Consume stores snap as the latest sample and pushes it to WebSocket
// clients.
func (s *Server) Consume(snap *monitor.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()
	s.hub.Emit(EventSnapshot, snap)
}

// Latest returns the last consumed snapshot, or nil.
func (s *Server) Latest() *monitor.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()
	go func(srv *http.Server) {
		defer s.wg.Done()

		logger.Infof("启动 HTTP 服务器，监听 %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP 服务器错误: %v", err)
		}
		logger.Infof("HTTP 服务器已停止")
	}(s.httpServer)

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully within ctx, then forces it.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()
	if srv == nil {
		return ErrNotStarted
	}

	// WebSocket 连接不受 Shutdown 管理，先关闭 hub
	s.hub.Stop()

	err := srv.Shutdown(ctx)
	if err != nil {
		logger.Errorf("HTTP 服务器关闭失败: %v", err)
		srv.Close()
	}
	s.wg.Wait()
	return err
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}

// corsMiddleware handles CORS
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loggerMiddleware logs requests
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		logFields := map[string]interface{}{
			"method":  c.Request.Method,
			"path":    path,
			"status":  status,
			"latency": time.Since(start).String(),
		}
		if query != "" {
			logFields["query"] = query
		}

		switch {
		case status >= 500:
			logger.WithFields(logFields).Error("请求处理失败")
		case status >= 400:
			logger.WithFields(logFields).Warn("客户端错误")
		default:
			logger.WithFields(logFields).Debug("请求处理成功")
		}
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	var cycle uint64
	if snap := s.Latest(); snap != nil {
		cycle = snap.Cycle
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.GetVersion(),
		"cycle":   cycle,
		"clients": s.hub.ClientCount(),
	})
}

// latestOr503 returns the latest snapshot or answers 503.
func (s *Server) latestOr503(c *gin.Context) (*monitor.Snapshot, bool) {
	snap := s.Latest()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no sample yet"})
		return nil, false
	}
	return snap, true
}

// handleSnapshot answers with the same document snapshot mode prints.
func (s *Server) handleSnapshot(c *gin.Context) {
	snap, ok := s.latestOr503(c)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := export.Write(&buf, snap); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", buf.Bytes())
}

func (s *Server) handleDevices(c *gin.Context) {
	snap, ok := s.latestOr503(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.config.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history disabled"})
		return
	}
	pdev := c.Query("device")
	if pdev == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "device parameter required",
			"devices": s.config.History.Devices(),
		})
		return
	}
	series, ok := s.config.History.Series(pdev)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device " + pdev})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"device":  pdev,
		"samples": series,
		"count":   len(series),
	})
}

func queryLimit(c *gin.Context) int {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	return limit
}

// handleLogStream streams log entries using Server-Sent Events
func (s *Server) handleLogStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	fromBeginning := c.DefaultQuery("fromBeginning", "false") == "true"
	logStream := logger.GetLogStream()

	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	logCh := logStream.Subscribe()
	defer logStream.Unsubscribe(logCh)

	if fromBeginning {
		for _, entry := range logStream.GetEntries(queryLimit(c)) {
			c.SSEvent("log", entry)
		}
		c.Writer.Flush()
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-logCh:
			if !ok {
				return
			}
			c.SSEvent("log", entry)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("keepalive", "")
			c.Writer.Flush()
		}
	}
}

// handleLogEntries returns recent log entries
func (s *Server) handleLogEntries(c *gin.Context) {
	entries := logger.GetLogStream().GetEntries(queryLimit(c))
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

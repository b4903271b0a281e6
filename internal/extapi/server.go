// Package extapi implements the extension callback HTTP server: a
// loopback-only, bearer-token-gated surface that lets an external
// extension script (spawned by the bridge) enqueue further commands
// against the debugger session it was launched alongside.
//
// Grounded on control_server.go's gin.New() (not gin.Default()) plus
// explicit recovery/logging middleware and its loopback-only posture for
// container-local endpoints (internal/agentctl/api/control_server.go),
// narrowed to exactly the three routes §6 documents instead of the full
// agent control API.
package extapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/bridgeerr"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/exttoken"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/logger"
	"github.com/CapulusCodeNinja/mcp-nexus-sub010/internal/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionLookup resolves a sessionID to its live Session. Implemented by
// *session.Manager; kept as a narrow interface so this package doesn't
// need the manager's full surface.
type SessionLookup interface {
	Get(sessionID string) (*session.Session, bool)
}

// Server is the gin-backed HTTP server exposing the extension-callback
// routes.
type Server struct {
	log             *logger.Logger
	sessions        SessionLookup
	tokens          *exttoken.Registry
	requestDeadline time.Duration
	router          *gin.Engine
	httpServer      *http.Server
}

// Config controls the extension server's bind address and per-request
// execute deadline.
type Config struct {
	Host            string
	Port            int
	RequestDeadline time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{Host: "127.0.0.1", Port: 9222, RequestDeadline: 5 * time.Minute}
}

// New builds a Server. The router is constructed with gin.New(), not
// gin.Default(), and fitted with its own recovery + structured request
// logging middleware built on log, matching the teacher's avoidance of
// gin's built-in text logger.
func New(log *logger.Logger, sessions SessionLookup, tokens *exttoken.Registry, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = DefaultConfig().RequestDeadline
	}

	s := &Server{
		log:             log.WithFields(zap.String("component", "extension-api")),
		sessions:        sessions,
		tokens:          tokens,
		requestDeadline: cfg.RequestDeadline,
		router:          gin.New(),
	}

	s.router.Use(s.recoveryMiddleware(), s.loggingMiddleware())

	group := s.router.Group("/extension-callback")
	group.Use(s.loopbackOnly(), s.bearerToken())
	group.POST("/execute", s.handleExecute)
	group.POST("/read", s.handleRead)
	group.POST("/log", s.handleLog)

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// Start binds and serves in the background. It returns once the listener
// is open; serve errors after that point are logged, not returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("extension server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.log.Info("extension callback server listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("extension handler panicked", zap.Any("recovered", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("extension request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// loopbackOnly enforces that the remote address is 127.0.0.1 or ::1,
// regardless of what proxy headers claim (this server is never intended
// to sit behind one).
func (s *Server) loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "extension callback requires a loopback connection"})
			return
		}
		c.Next()
	}
}

// bearerToken extracts and validates the Authorization: Bearer token,
// storing the bound sessionID/commandID in the gin context on success.
func (s *Server) bearerToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || strings.TrimSpace(token) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed bearer token"})
			return
		}
		valid, sessionID, commandID := s.tokens.Validate(token)
		if !valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set("sessionID", sessionID)
		c.Set("boundCommandID", commandID)
		c.Next()
	}
}

// executeRequest is the body of POST /extension-callback/execute.
type executeRequest struct {
	Command        string `json:"command" binding:"required"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

type executeResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	sessionID := c.GetString("sessionID")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown session"})
		return
	}

	id, err := sess.Enqueue(req.Command)
	if err != nil {
		s.writeEnqueueError(c, err)
		return
	}

	deadline := s.requestDeadline
	if req.TimeoutSeconds > 0 {
		deadline = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), deadline)
	defer cancel()

	output, err := sess.GetCommandResult(ctx, id)
	if err != nil {
		if bridgeerr.Is(err, bridgeerr.KindTimeout) {
			c.JSON(http.StatusGatewayTimeout, executeResponse{CommandID: id, Status: "Failed", Error: "timed out waiting for result"})
			return
		}
		c.JSON(http.StatusInternalServerError, executeResponse{CommandID: id, Status: "Failed", Error: err.Error()})
		return
	}

	status := "Success"
	var errMsg string
	if cached, ok := sess.GetCachedResultWithMetadata(id); ok && !cached.Result.Success {
		status = "Failed"
		errMsg = cached.Result.ErrorMessage
	}
	c.JSON(http.StatusOK, executeResponse{CommandID: id, Status: status, Output: output, Error: errMsg})
}

func (s *Server) writeEnqueueError(c *gin.Context, err error) {
	switch {
	case bridgeerr.Is(err, bridgeerr.KindDisposed):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session is no longer active"})
	case bridgeerr.Is(err, bridgeerr.KindInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// readRequest is the body of POST /extension-callback/read.
type readRequest struct {
	CommandID string `json:"commandId" binding:"required"`
}

type readResponse struct {
	CommandID   string `json:"commandId"`
	Status      string `json:"status"`
	IsCompleted bool   `json:"isCompleted"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CommandID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commandId is required"})
		return
	}

	sessionID := c.GetString("sessionID")
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	state, ok := sess.GetCommandState(req.CommandID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown commandId"})
		return
	}

	resp := readResponse{CommandID: req.CommandID, IsCompleted: state.IsTerminal()}
	if cached, ok := sess.GetCachedResultWithMetadata(req.CommandID); ok {
		if cached.Result.Success {
			resp.Status = "Success"
			resp.Output = cached.Result.Output
		} else {
			resp.Status = "Failed"
			resp.Error = cached.Result.ErrorMessage
		}
	} else {
		resp.Status = string(state)
	}
	c.JSON(http.StatusOK, resp)
}

// logRequest is the body of POST /extension-callback/log.
type logRequest struct {
	Message string `json:"message" binding:"required"`
	Level   string `json:"level"`
}

func (s *Server) handleLog(c *gin.Context) {
	var req logRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	fields := []zap.Field{
		zap.String("sessionId", c.GetString("sessionID")),
		zap.String("commandId", c.GetString("boundCommandID")),
		zap.String("source", "extension"),
	}
	switch strings.ToLower(req.Level) {
	case "debug":
		s.log.Debug(req.Message, fields...)
	case "warn", "warning":
		s.log.Warn(req.Message, fields...)
	case "error":
		s.log.Error(req.Message, fields...)
	default:
		s.log.Info(req.Message, fields...)
	}
	c.Status(http.StatusOK)
}


package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fleetgrid/gps-server/internal/command"
	cfgpkg "github.com/fleetgrid/gps-server/internal/config"
	"github.com/fleetgrid/gps-server/internal/health"
)

// ListenerStatus health snapshot for one ingress endpoint.
type ListenerStatus struct {
	Name        string `json:"name"`
	Transport   string `json:"transport"`
	Addr        string `json:"addr"`
	Running     bool   `json:"running"`
	Connections int    `json:"connections"`
	LastError   string `json:"lastError,omitempty"`
}

// CommandRequest is the payload of POST /commands.
type CommandRequest struct {
	IMEI   string            `json:"imei" binding:"required"`
	Name   string            `json:"name" binding:"required"`
	Params map[string]string `json:"params"`
	UserID int64             `json:"userId"`
}

// CommandFunc resolves the device and dispatches a signed command.
type CommandFunc func(ctx context.Context, req CommandRequest) (*command.Command, error)

// Server wraps the health and metrics HTTP surface.
type Server struct {
	srv *http.Server
}

// New builds the gin router with health, readiness, listener status,
// command dispatch and metrics routes.
func New(cfg cfgpkg.HTTPConfig, metricsPath string, metricsHandler http.Handler, readyFn func() bool, listenersFn func() []ListenerStatus, commandFn CommandFunc, agg *health.Aggregator) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if readyFn == nil || readyFn() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	r.GET("/listeners", func(c *gin.Context) {
		if listenersFn == nil {
			c.JSON(http.StatusOK, []ListenerStatus{})
			return
		}
		c.JSON(http.StatusOK, listenersFn())
	})
	if agg != nil {
		health.RegisterHTTPRoutes(r, agg)
	}
	if commandFn != nil {
		r.POST("/commands", func(c *gin.Context) {
			var req CommandRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			cmd, err := commandFn(c.Request.Context(), req)
			if err != nil {
				c.JSON(commandStatus(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, cmd)
		})
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	if metricsHandler != nil {
		r.GET(metricsPath, gin.WrapH(metricsHandler))
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return &Server{srv: srv}
}

// commandStatus maps dispatch errors to HTTP statuses.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, command.ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, command.ErrStaleAuth):
		return http.StatusForbidden
	case errors.Is(err, command.ErrRateLimited):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

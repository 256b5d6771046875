// Package api provides the read-only REST management API for the tunnel
// daemon. It mirrors a subset of the control-plane socket's commands
// (status, identity list, catalog dump) over HTTP via a Gin-based server,
// for dashboards and monitoring that would rather speak HTTP than the
// newline-framed JSON control socket.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ztcore/tunneld/internal/api/handlers"
	"github.com/ztcore/tunneld/internal/api/middleware"
	"github.com/ztcore/tunneld/internal/config"
)

// Server is the read-only management REST API server. Call SetTunnelView
// on its Handler once the control plane is up to populate /status,
// /identities and /catalog with live data.
//
// Security note: do not expose the API to untrusted networks without authentication.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *handlers.Handler
}

func New(cfg *config.Config, logger *slog.Logger) *Server {
	if cfg == nil {
		panic("api.New: cfg is nil")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.SlogRequestLogger(logger))

	h := handlers.New(cfg, logger)
	RegisterRoutes(engine, h, cfg)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer, handler: h}
}

// SetTunnelView wires the live engine/registry/catalog view into the
// /status, /identities and /catalog handlers.
func (s *Server) SetTunnelView(v handlers.TunnelView) {
	s.handler.SetTunnelView(v)
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

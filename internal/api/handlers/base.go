// Package handlers implements the REST API endpoint handlers for the tunnel
// daemon's read-only management surface.
//
// @title tunneld Management API
// @version 1.0
// @description Read-only REST introspection for the tunnel daemon's DNS engine, identity registry and name catalog. Mutating operations go through the control-plane socket (see internal/control), not this API.
//
// @contact.name tunneld
//
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
//
// @host localhost:8080
// @BasePath /api/v1
//
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ztcore/tunneld/internal/api/models"
	"github.com/ztcore/tunneld/internal/config"
)

// TunnelView is the read-only slice of engine/registry/catalog state this API
// exposes. It is satisfied by internal/control.Server so handlers never
// import the engine or identity packages directly.
type TunnelView interface {
	Status() models.TunnelStatusResponse
	Identities() []models.IdentitySummary
	CatalogDump() models.CatalogDumpResponse
}

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	mu   sync.RWMutex
	view TunnelView
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetTunnelView wires the live engine/registry/catalog view in after the
// control plane has started. Until this is called, status/identity/catalog
// endpoints report an empty snapshot rather than failing.
func (h *Handler) SetTunnelView(v TunnelView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.view = v
}

func (h *Handler) GetTunnelView() TunnelView {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.view
}

package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/ztcore/tunneld/internal/api/handlers"
	"github.com/ztcore/tunneld/internal/api/middleware"
	"github.com/ztcore/tunneld/internal/config"
)

// RegisterRoutes wires the read-only management surface: health/stats plus
// mirrors of the control socket's Status/ListIdentities/IpDump commands.
// Mutating commands (LoadIdentity, SetUpstreamDNS, ...) are intentionally
// absent here; they only exist on the control-plane socket in internal/control.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	// Swagger UI at /swagger/*. The spec document itself is generated by
	// `swag init` at build time (internal/api/docs), which is not checked
	// into this tree; the UI route is still registered so it is wired up
	// the moment docs are generated.
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")

	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/status", h.Status)
	api.GET("/identities", h.Identities)
	api.GET("/catalog", h.Catalog)
}

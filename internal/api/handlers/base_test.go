package handlers_test

import (
	"github.com/gin-gonic/gin"

	"github.com/ztcore/tunneld/internal/api/handlers"
	"github.com/ztcore/tunneld/internal/api/models"
)

func setupTestRouter(h *handlers.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/status", h.Status)
	api.GET("/identities", h.Identities)
	api.GET("/catalog", h.Catalog)
	return r
}

// stubView is a hand-rolled TunnelView for testing the REST handlers without
// an engine/registry/catalog behind them.
type stubView struct {
	status     models.TunnelStatusResponse
	identities []models.IdentitySummary
	catalog    models.CatalogDumpResponse
}

func (s stubView) Status() models.TunnelStatusResponse     { return s.status }
func (s stubView) Identities() []models.IdentitySummary    { return s.identities }
func (s stubView) CatalogDump() models.CatalogDumpResponse { return s.catalog }

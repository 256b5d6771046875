package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ztcore/tunneld/internal/api/models"
)

// Status godoc
// @Summary Tunnel status
// @Description Mirrors the control socket's Status command
// @Tags tunnel
// @Produce json
// @Success 200 {object} models.TunnelStatusResponse
// @Router /status [get]
func (h *Handler) Status(c *gin.Context) {
	v := h.GetTunnelView()
	if v == nil {
		c.JSON(http.StatusOK, models.TunnelStatusResponse{})
		return
	}
	c.JSON(http.StatusOK, v.Status())
}

// Identities godoc
// @Summary List loaded identities
// @Tags tunnel
// @Produce json
// @Success 200 {object} models.IdentityListResponse
// @Router /identities [get]
func (h *Handler) Identities(c *gin.Context) {
	v := h.GetTunnelView()
	if v == nil {
		c.JSON(http.StatusOK, models.IdentityListResponse{Identities: []models.IdentitySummary{}})
		return
	}
	c.JSON(http.StatusOK, models.IdentityListResponse{Identities: v.Identities()})
}

// Catalog godoc
// @Summary Dump the name catalog
// @Description Mirrors the control socket's IpDump command
// @Tags tunnel
// @Produce json
// @Success 200 {object} models.CatalogDumpResponse
// @Router /catalog [get]
func (h *Handler) Catalog(c *gin.Context) {
	v := h.GetTunnelView()
	if v == nil {
		c.JSON(http.StatusOK, models.CatalogDumpResponse{})
		return
	}
	c.JSON(http.StatusOK, v.CatalogDump())
}

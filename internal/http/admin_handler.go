package http

import (
	"github.com/gin-gonic/gin"
	"github.com/gramvpn/provisioning-service/internal/service"
)

// AdminHandler serves the operator views of the server fleet. Panel
// credentials never leave the store: responses use models.ServerSummary.
type AdminHandler struct {
	base  *Handler
	svc   *service.FleetService
}

func NewAdminHandler(h *Handler, fleet *service.FleetService) *AdminHandler {
	return &AdminHandler{base: h, svc: fleet}
}

// ListServers returns every server with its current load
// GET /servers
func (h *AdminHandler) ListServers(c *gin.Context) {
	servers, err := h.svc.ListServers(c.Request.Context())
	if err != nil {
		h.base.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"servers": servers})
}

// ProbeServers checks every enabled server and reports the reachable ones
// POST /servers/probe
func (h *AdminHandler) ProbeServers(c *gin.Context) {
	report, err := h.svc.Probe(c.Request.Context())
	if err != nil {
		h.base.respondError(c, err)
		return
	}
	respondOK(c, report)
}

package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lugh-dev/lugh/internal/pool/registry"
)

func (h *Handlers) httpHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "lugh",
	})
}

func (h *Handlers) httpPoolStatus(c *gin.Context) {
	status, err := h.deps.Pool.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "pool status not available")
		return
	}
	c.JSON(http.StatusOK, status)
}

type listAgentsResponse struct {
	Agents []*registry.Agent `json:"agents"`
	Total  int               `json:"total"`
}

func (h *Handlers) httpListAgents(c *gin.Context) {
	agents, err := h.deps.Agents.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "agents not available")
		return
	}
	if agents == nil {
		agents = []*registry.Agent{}
	}
	c.JSON(http.StatusOK, listAgentsResponse{Agents: agents, Total: len(agents)})
}

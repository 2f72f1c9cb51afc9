package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lugh-dev/lugh/internal/conversation"
	"github.com/lugh-dev/lugh/internal/isolation"
)

type listCodebasesResponse struct {
	Codebases []*conversation.Codebase `json:"codebases"`
	Total     int                      `json:"total"`
}

func (h *Handlers) httpListCodebases(c *gin.Context) {
	codebases, err := h.deps.Codebases.ListCodebases(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "codebases not available")
		return
	}
	if codebases == nil {
		codebases = []*conversation.Codebase{}
	}
	c.JSON(http.StatusOK, listCodebasesResponse{Codebases: codebases, Total: len(codebases)})
}

type listEnvsResponse struct {
	Envs  []*isolation.Env `json:"envs"`
	Total int              `json:"total"`
}

func (h *Handlers) httpListIsolationEnvs(c *gin.Context) {
	var envs []*isolation.Env
	var err error
	if codebaseID := c.Query("codebase_id"); codebaseID != "" {
		envs, err = h.deps.Isolation.ListActive(c.Request.Context(), codebaseID)
	} else {
		envs, err = h.deps.Isolation.ListAllActive(c.Request.Context())
	}
	if err != nil {
		respondError(c, h.logger, err, "environments not available")
		return
	}
	if envs == nil {
		envs = []*isolation.Env{}
	}
	c.JSON(http.StatusOK, listEnvsResponse{Envs: envs, Total: len(envs)})
}

// Cleanup families. "merged" removes environments whose branches landed on
// the mainline; "stale" removes environments idle past the retention window.
const (
	cleanupFamilyMerged = "merged"
	cleanupFamilyStale  = "stale"
)

type httpCleanupRequest struct {
	Family     string `json:"family"`
	CodebaseID string `json:"codebase_id"`
}

type cleanupSkipDTO struct {
	Branch string `json:"branch"`
	Reason string `json:"reason"`
}

type cleanupResponse struct {
	Family  string           `json:"family"`
	Removed []string         `json:"removed"`
	Skipped []cleanupSkipDTO `json:"skipped"`
}

func (h *Handlers) httpCleanupIsolation(c *gin.Context) {
	var body httpCleanupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Family != cleanupFamilyMerged && body.Family != cleanupFamilyStale {
		c.JSON(http.StatusBadRequest, gin.H{"error": "family must be merged or stale"})
		return
	}
	if body.CodebaseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "codebase_id is required"})
		return
	}

	cb, err := h.deps.Codebases.GetCodebase(c.Request.Context(), body.CodebaseID)
	if err != nil {
		respondError(c, h.logger, err, "codebase not found")
		return
	}
	codebase := isolation.Codebase{ID: cb.ID, Name: cb.Name, Path: cb.Path}

	var report *isolation.CleanupReport
	if body.Family == cleanupFamilyMerged {
		report, err = h.deps.Isolation.CleanupMerged(c.Request.Context(), codebase)
	} else {
		report, err = h.deps.Isolation.CleanupStale(c.Request.Context(), codebase)
	}
	if err != nil {
		respondError(c, h.logger, err, "cleanup failed")
		return
	}

	resp := cleanupResponse{Family: body.Family, Removed: report.Removed}
	if resp.Removed == nil {
		resp.Removed = []string{}
	}
	resp.Skipped = make([]cleanupSkipDTO, 0, len(report.Skipped))
	for _, s := range report.Skipped {
		resp.Skipped = append(resp.Skipped, cleanupSkipDTO{Branch: s.Branch, Reason: s.Reason})
	}
	c.JSON(http.StatusOK, resp)
}

package httpapi

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lugh-dev/lugh/internal/orchestrator"
)

// Same shape the chat layer enforces for /template-add.
var templateNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

type listApprovalsResponse struct {
	Approvals []*orchestrator.Approval `json:"approvals"`
	Total     int                      `json:"total"`
}

func (h *Handlers) httpListApprovals(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var approvals []*orchestrator.Approval
	var err error
	if conversationID := c.Query("conversation_id"); conversationID != "" {
		approvals, err = h.deps.Approvals.ListByConversation(c.Request.Context(), conversationID, limit)
	} else {
		approvals, err = h.deps.Approvals.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		respondError(c, h.logger, err, "approvals not available")
		return
	}
	if approvals == nil {
		approvals = []*orchestrator.Approval{}
	}
	c.JSON(http.StatusOK, listApprovalsResponse{Approvals: approvals, Total: len(approvals)})
}

type listTemplatesResponse struct {
	Templates []*orchestrator.Template `json:"templates"`
	Total     int                      `json:"total"`
}

func (h *Handlers) httpListTemplates(c *gin.Context) {
	templates, err := h.deps.Templates.List(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "templates not available")
		return
	}
	if templates == nil {
		templates = []*orchestrator.Template{}
	}
	c.JSON(http.StatusOK, listTemplatesResponse{Templates: templates, Total: len(templates)})
}

type httpPutTemplateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Body        string `json:"body"`
}

func (h *Handlers) httpPutTemplate(c *gin.Context) {
	var body httpPutTemplateRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	name := strings.ToLower(strings.TrimSpace(body.Name))
	if name == "" || body.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and body are required"})
		return
	}
	if !templateNamePattern.MatchString(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template names use lowercase letters, digits, dots, hyphens and underscores"})
		return
	}

	tmpl, err := h.deps.Templates.Put(c.Request.Context(), name, body.Description, body.Body)
	if err != nil {
		respondError(c, h.logger, err, "template not saved")
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *Handlers) httpDeleteTemplate(c *gin.Context) {
	if err := h.deps.Templates.Delete(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, h.logger, err, "template not deleted")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	"github.com/lugh-dev/lugh/internal/pool/queue"
)

type httpSubmitTaskRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	TaskType       string `json:"task_type,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	Description    string `json:"description,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Cwd            string `json:"cwd,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type submitTaskResponse struct {
	TaskID string `json:"task_id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handlers) httpSubmitTask(c *gin.Context) {
	var body httpSubmitTaskRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if body.Prompt == "" && body.Description == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt or description is required"})
		return
	}

	taskID, err := h.deps.Pool.Submit(c.Request.Context(), coordinator.SubmitRequest{
		ConversationID: body.ConversationID,
		TaskType:       body.TaskType,
		Priority:       body.Priority,
		Payload: queue.TaskPayload{
			Description: body.Description,
			Prompt:      body.Prompt,
			Cwd:         body.Cwd,
			SessionID:   body.SessionID,
		},
	})
	if err != nil {
		if errors.Is(err, coordinator.ErrNotInitialized) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pool is not accepting tasks"})
			return
		}
		respondError(c, h.logger, err, "task not submitted")
		return
	}
	c.JSON(http.StatusOK, submitTaskResponse{TaskID: taskID})
}

func (h *Handlers) httpGetTask(c *gin.Context) {
	task, err := h.deps.Tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	c.JSON(http.StatusOK, task)
}

type listTaskResultsResponse struct {
	Results []*queue.ResultChunk `json:"results"`
	Total   int                  `json:"total"`
}

func (h *Handlers) httpGetTaskResults(c *gin.Context) {
	// A task with no output yet still lists; 404 only for unknown IDs.
	if _, err := h.deps.Tasks.GetTask(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "task not found")
		return
	}
	chunks, err := h.deps.Tasks.GetResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, "results not available")
		return
	}
	if chunks == nil {
		chunks = []*queue.ResultChunk{}
	}
	c.JSON(http.StatusOK, listTaskResultsResponse{Results: chunks, Total: len(chunks)})
}

func (h *Handlers) httpStopTask(c *gin.Context) {
	if err := h.deps.Pool.Stop(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err, "task not stopped")
		return
	}
	c.JSON(http.StatusOK, successResponse{Success: true})
}

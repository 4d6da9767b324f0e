package v2

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type indexRequest struct {
	BatchSize int `json:"batch_size" binding:"omitempty,min=1,max=500"`
}

// EnqueueIndex godoc
// @Summary Queue an indexing cycle
// @Tags jobs
// @Accept json
// @Produce json
// @Param body body indexRequest false "Batch size"
// @Success 202 {object} job.Job
// @Failure 503 {object} ErrorResponse
// @Router /knowledge/index [post]
func (h *Handler) EnqueueIndex(c *gin.Context) {
	if h.jobs == nil {
		sendError(c, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}

	var req indexRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, err)
			return
		}
	}

	j, err := h.jobs.EnqueueIndexCycle(c.Request.Context(), req.BatchSize)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusAccepted, j)
}

// RetryDocument godoc
// @Summary Clear the indexing error of a document so it is indexed again
// @Tags jobs
// @Produce json
// @Param id path int true "Attachment ID"
// @Success 202 {object} job.Job
// @Failure 400 {object} ErrorResponse
// @Router /knowledge/documents/{id}/retry [post]
func (h *Handler) RetryDocument(c *gin.Context) {
	if h.jobs == nil {
		sendError(c, http.StatusServiceUnavailable, errJobsDisabled)
		return
	}

	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		sendError(c, http.StatusBadRequest, errors.New("invalid document id"))
		return
	}

	j, err := h.jobs.EnqueueClearError(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusAccepted, j)
}

package v2

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"docrag/src/core/knowledge"
	"docrag/src/core/retrieval"
	"docrag/src/infrastructure/job"
)

// Searcher answers retrieval queries. *retrieval.Engine implements it.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) retrieval.Response
}

// JobEnqueuer publishes indexing jobs. *job.JobService implements it.
type JobEnqueuer interface {
	EnqueueIndexCycle(ctx context.Context, batchSize int) (*job.Job, error)
	EnqueueClearError(ctx context.Context, documentID int64) (*job.Job, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	searcher Searcher
	jobs     JobEnqueuer
	checks   map[string]Pinger
}

// NewHandler builds the API handler. jobs may be nil, in which case the job
// routes answer 503.
func NewHandler(searcher Searcher, jobs JobEnqueuer, checks map[string]Pinger) *Handler {
	return &Handler{
		searcher: searcher,
		jobs:     jobs,
		checks:   checks,
	}
}

// RegisterRoutes registers all v2 API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v2 := r.Group("/api/v1")

	// Retrieval
	v2.POST("/knowledge/search", h.Search)

	// Indexing jobs
	v2.POST("/knowledge/index", h.EnqueueIndex)
	v2.POST("/knowledge/documents/:id/retry", h.RetryDocument)

	// System
	v2.GET("/health", h.CheckHealth)
}

var errJobsDisabled = errors.New("job queue is not configured")

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func sendError(c *gin.Context, status int, err error) {
	code := "INTERNAL_ERROR"
	switch {
	case status == http.StatusBadRequest:
		code = "INVALID_REQUEST"
	case errors.Is(err, knowledge.ErrDocumentNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.Is(err, errJobsDisabled):
		code = "JOBS_DISABLED"
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

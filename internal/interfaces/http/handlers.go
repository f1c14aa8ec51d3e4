package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orbtools/orb-workflow/internal/domain/entity"
	"github.com/orbtools/orb-workflow/internal/domain/workflow"
)

// RunReader reads persisted run records
type RunReader interface {
	GetByRunID(ctx context.Context, runID string) (*entity.WorkflowRun, error)
	List(ctx context.Context, stage workflow.Stage, limit int) ([]*entity.WorkflowRun, error)
}

// ReportExporter writes the onboarding summary workbook
type ReportExporter interface {
	Export(ctx context.Context) (string, error)
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	runs     RunReader
	exporter ReportExporter
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(runs RunReader, exporter ReportExporter, logger *zap.Logger) *Handlers {
	return &Handlers{
		runs:     runs,
		exporter: exporter,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunResponse represents a workflow run in API responses
type RunResponse struct {
	RunID          string `json:"run_id"`
	ItemKey        string `json:"item_key"`
	Source         string `json:"source"`
	Stage          string `json:"stage"`
	CustomerID     string `json:"customer_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	FailureMessage string `json:"failure_message,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// ListRunsRequest represents query parameters for listing runs
type ListRunsRequest struct {
	Stage string `form:"stage"`
	Limit int    `form:"limit"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(c *gin.Context) {
	var req ListRunsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "invalid query parameters",
		})
		return
	}

	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}

	stage := workflow.Stage(req.Stage)
	if req.Stage != "" && !stage.IsValid() {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   "unknown stage",
		})
		return
	}

	runs, err := h.runs.List(c.Request.Context(), stage, req.Limit)
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   "failed to retrieve runs",
		})
		return
	}

	responses := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		responses = append(responses, toRunResponse(run))
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    responses,
	})
}

// GetRun handles GET /api/v1/runs/:id
func (h *Handlers) GetRun(c *gin.Context) {
	runID := c.Param("id")

	run, err := h.runs.GetByRunID(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, Response{
			Success: false,
			Error:   "run not found",
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    toRunResponse(run),
	})
}

// ExportReport handles POST /api/v1/report
func (h *Handlers) ExportReport(c *gin.Context) {
	path, err := h.exporter.Export(c.Request.Context())
	if err != nil {
		h.logger.Error("Report export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{
			Success: false,
			Error:   "report export failed: " + err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    gin.H{"path": path},
	})
}

// toRunResponse converts a run entity to the API response shape
func toRunResponse(run *entity.WorkflowRun) RunResponse {
	resp := RunResponse{
		RunID:          run.RunID,
		ItemKey:        run.Item.Key,
		Source:         string(run.Item.Source),
		Stage:          run.Stage.String(),
		CustomerID:     run.CustomerID,
		SubscriptionID: run.SubscriptionID,
		CreatedAt:      run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      run.UpdatedAt.Format(time.RFC3339),
	}
	if run.Failure != nil {
		resp.FailureReason = string(run.Failure.Reason)
		resp.FailureMessage = run.Failure.Message
	}
	return resp
}

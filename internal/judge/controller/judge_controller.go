package controller

import (
	"context"
	"net/http"

	"kurooj/internal/judge/model"
	"kurooj/internal/judge/service"
	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// JudgeService is what the HTTP surface needs from the dispatcher.
type JudgeService interface {
	Submit(ctx context.Context, msg model.JudgeMessage) (model.JudgeStatus, error)
	Status(ctx context.Context, submissionID string) (model.JudgeStatus, error)
	Cancel(ctx context.Context, submissionID string) (bool, error)
	Health(ctx context.Context) service.HealthReport
}

// JudgeController handles judge intake, status and cancel requests.
type JudgeController struct {
	svc JudgeService
}

// NewJudgeController creates a new controller.
func NewJudgeController(svc JudgeService) *JudgeController {
	return &JudgeController{svc: svc}
}

// RegisterRoutes mounts the judge API on r. submitGuards run before Submit only.
func (h *JudgeController) RegisterRoutes(r gin.IRouter, submitGuards ...gin.HandlerFunc) {
	api := r.Group("/api/v1/judge")
	api.POST("/submissions", append(submitGuards, h.Submit)...)
	api.GET("/submissions/:id", h.GetStatus)
	api.DELETE("/submissions/:id", h.Cancel)
	r.GET("/health", h.Health)
}

// Submit validates a job and queues it.
func (h *JudgeController) Submit(c *gin.Context) {
	var req model.JudgeMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	status, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, status)
}

// GetStatus returns status for one submission.
func (h *JudgeController) GetStatus(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	status, err := h.svc.Status(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, status)
}

// Cancel requests cancellation of a queued or running submission.
func (h *JudgeController) Cancel(c *gin.Context) {
	submissionID := c.Param("id")
	if submissionID == "" {
		response.BadRequest(c, "Invalid submission id")
		return
	}
	interrupted, err := h.svc.Cancel(c.Request.Context(), submissionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"submissionId": submissionID, "interrupted": interrupted})
}

// Health reports pool, queue, cache and toolchain state.
func (h *JudgeController) Health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	if report.Healthy() {
		response.Success(c, report)
		return
	}
	c.JSON(http.StatusServiceUnavailable, response.Response{
		Code:    appErr.ServiceUnavailable,
		Message: appErr.ServiceUnavailable.Message(),
		Data:    report,
	})
}

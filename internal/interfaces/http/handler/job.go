// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"scriptflow-api/internal/application/script"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
	"scriptflow-api/internal/interfaces/http/dto"
	"scriptflow-api/internal/interfaces/http/middleware"
	"scriptflow-api/pkg/errors"
	"scriptflow-api/pkg/logger"
)

// JobHandler 脚本生成任务处理器
type JobHandler struct {
	orchestrator *script.Orchestrator
}

// NewJobHandler 创建任务处理器
func NewJobHandler(orchestrator *script.Orchestrator) *JobHandler {
	return &JobHandler{orchestrator: orchestrator}
}

// SubmitJob 提交脚本生成任务
// @Summary 提交任务
// @Description 创建异步脚本生成任务并投递到处理队列
// @Tags Jobs
// @Accept json
// @Produce json
// @Success 202 {object} dto.Response[dto.JobResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/jobs [post]
func (h *JobHandler) SubmitJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	job, err := h.orchestrator.Submit(ctx, middleware.GetOwnerID(c), &script.SubmitRequest{
		Topic:                 req.Topic,
		TargetDurationMinutes: req.TargetDurationMinutes,
		VoiceProfileID:        req.VoiceProfileID,
		ModelTier:             req.ModelTier,
		SubscriptionTier:      middleware.GetSubscriptionTier(c),
		IdempotencyKey:        c.GetHeader("Idempotency-Key"),
	})
	if err != nil {
		if errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			dto.ErrorWithFields(c, appErr.HTTPStatus, appErr.Message, appErr.Fields)
			return
		}
		logger.Error(ctx, "failed to submit job", err)
		dto.InternalError(c, "failed to submit job")
		return
	}

	dto.Accepted(c, dto.ToJobResponse(job))
}

// GetJob 查询任务状态
// @Summary 查询任务
// @Description 查询任务状态、进度与结果
// @Tags Jobs
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.JobResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [get]
func (h *JobHandler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := dto.BindJobID(c)
	if !ok {
		return
	}

	job, err := h.orchestrator.GetStatus(ctx, middleware.GetOwnerID(c), jobID)
	if err != nil {
		if errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			dto.Error(c, appErr.HTTPStatus, appErr.Message)
			return
		}
		logger.Error(ctx, "failed to get job", err)
		dto.InternalError(c, "failed to get job")
		return
	}

	dto.Success(c, dto.ToJobResponse(job))
}

// ListJobs 查询任务列表
// @Summary 任务列表
// @Description 分页查询当前调用方的任务
// @Tags Jobs
// @Produce json
// @Param status query string false "任务状态过滤"
// @Success 200 {object} dto.Response[[]dto.JobResponse]
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/jobs [get]
func (h *JobHandler) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	page := dto.BindPage(c)

	status := entity.JobStatus(c.Query("status"))

	result, err := h.orchestrator.List(ctx, middleware.GetOwnerID(c), status,
		repository.NewPagination(page.Page, page.PageSize))
	if err != nil {
		logger.Error(ctx, "failed to list jobs", err)
		dto.InternalError(c, "failed to list jobs")
		return
	}

	dto.SuccessWithPage(c, dto.ToJobResponseList(result.Items),
		dto.NewPageMeta(result.Page, result.PageSize, int(result.Total)))
}

// UpdateJob 更新任务（当前仅支持取消）
// @Summary 取消任务
// @Description 请求取消进行中的任务；已生成的分段作为部分结果保留
// @Tags Jobs
// @Accept json
// @Produce json
// @Param jid path string true "任务 ID"
// @Success 200 {object} dto.Response[dto.JobResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /v1/jobs/{jid} [patch]
func (h *JobHandler) UpdateJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, ok := dto.BindJobID(c)
	if !ok {
		return
	}

	var req dto.CancelJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		dto.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.Action != "cancel" {
		dto.BadRequest(c, "unsupported action: "+req.Action)
		return
	}

	job, err := h.orchestrator.Cancel(ctx, middleware.GetOwnerID(c), jobID)
	if err != nil {
		if errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			dto.Error(c, appErr.HTTPStatus, appErr.Message)
			return
		}
		logger.Error(ctx, "failed to cancel job", err)
		dto.InternalError(c, "failed to cancel job")
		return
	}

	dto.Success(c, dto.ToJobResponse(job))
}

// Package handler 提供 HTTP 请求处理器
package handler

import (
	"github.com/gin-gonic/gin"

	"scriptflow-api/internal/application/webhook"
	"scriptflow-api/internal/interfaces/http/dto"
	"scriptflow-api/internal/interfaces/http/middleware"
	"scriptflow-api/pkg/errors"
	"scriptflow-api/pkg/logger"
)

// WebhookHandler Webhook 订阅处理器
type WebhookHandler struct {
	dispatcher *webhook.Dispatcher
}

// NewWebhookHandler 创建 Webhook 处理器
func NewWebhookHandler(dispatcher *webhook.Dispatcher) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher}
}

// SendTest 向订阅端点投递测试事件
// @Summary 测试投递
// @Description 向指定订阅端点发送签名的测试事件并返回投递结果
// @Tags Webhooks
// @Produce json
// @Param wid path string true "订阅 ID"
// @Success 200 {object} dto.Response[dto.WebhookTestResponse]
// @Failure 404 {object} dto.ErrorResponse
// @Failure 500 {object} dto.ErrorResponse
// @Router /v1/webhooks/{wid}/test [post]
func (h *WebhookHandler) SendTest(c *gin.Context) {
	ctx := c.Request.Context()
	subscriptionID, ok := dto.BindSubscriptionID(c)
	if !ok {
		return
	}

	result, err := h.dispatcher.SendTest(ctx, middleware.GetOwnerID(c), subscriptionID)
	if err != nil {
		if errors.IsAppError(err) {
			appErr := errors.AsAppError(err)
			dto.Error(c, appErr.HTTPStatus, appErr.Message)
			return
		}
		logger.Error(ctx, "failed to send test delivery", err)
		dto.InternalError(c, "failed to send test delivery")
		return
	}

	dto.Success(c, dto.ToWebhookTestResponse(subscriptionID, result))
}

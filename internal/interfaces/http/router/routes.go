// Package router 提供 HTTP 路由配置
package router

import (
	"scriptflow-api/internal/interfaces/http/handler"

	"github.com/gin-gonic/gin"
)

// RegisterV1Routes 注册 v1 版本路由
func RegisterV1Routes(
	v1 *gin.RouterGroup,
	jobHandler *handler.JobHandler,
	webhookHandler *handler.WebhookHandler,
) {
	// 任务管理
	jobs := v1.Group("/jobs")
	{
		jobs.POST("", jobHandler.SubmitJob)
		jobs.GET("", jobHandler.ListJobs)
		jobs.GET("/:jid", jobHandler.GetJob)
		jobs.PATCH("/:jid", jobHandler.UpdateJob)
	}

	// Webhook 订阅
	webhooks := v1.Group("/webhooks")
	{
		webhooks.POST("/:wid/test", webhookHandler.SendTest)
	}
}

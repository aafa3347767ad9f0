// Package middleware 提供 HTTP 中间件
package middleware

import (
	"net/http"

	"scriptflow-api/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	// OwnerIDHeader 调用方标识头
	OwnerIDHeader = "X-Owner-ID"
	// SubscriptionTierHeader 订阅档位头
	SubscriptionTierHeader = "X-Subscription-Tier"
)

// Owner 调用方上下文中间件
// 从请求头提取 owner_id，所有业务路由强制要求携带
func Owner() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader(OwnerIDHeader)
		if ownerID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":     401,
				"message":  "missing " + OwnerIDHeader + " header",
				"trace_id": c.GetString("trace_id"),
			})
			return
		}

		// 设置到 Gin Context
		c.Set("owner_id", ownerID)
		if tier := c.GetHeader(SubscriptionTierHeader); tier != "" {
			c.Set("subscription_tier", tier)
		}

		// 设置到 Logger Context，便于下游日志关联
		ctx := logger.WithContext(c.Request.Context(), logger.OwnerIDKey, ownerID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetOwnerID 从 Gin Context 中获取调用方 ID
func GetOwnerID(c *gin.Context) string {
	return c.GetString("owner_id")
}

// GetSubscriptionTier 从 Gin Context 中获取订阅档位
func GetSubscriptionTier(c *gin.Context) string {
	return c.GetString("subscription_tier")
}

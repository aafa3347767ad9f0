package dto

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PageRequest 分页请求参数
type PageRequest struct {
	Page     int `form:"page"`
	PageSize int `form:"page_size"`
}

// BindPage 从查询参数解析分页
func BindPage(c *gin.Context) PageRequest {
	return PageRequest{
		Page:     parseIntWithDefault(c.Query("page"), 1),
		PageSize: parseIntWithDefault(c.Query("page_size"), 20),
	}
}

func parseIntWithDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// BindJobID 解析并校验任务 ID 路径参数
func BindJobID(c *gin.Context) (string, bool) {
	id := c.Param("jid")
	if _, err := uuid.Parse(id); err != nil {
		BadRequest(c, "无效的任务 ID")
		return "", false
	}
	return id, true
}

// BindSubscriptionID 解析并校验 Webhook 订阅 ID 路径参数
func BindSubscriptionID(c *gin.Context) (string, bool) {
	id := c.Param("wid")
	if _, err := uuid.Parse(id); err != nil {
		BadRequest(c, "无效的订阅 ID")
		return "", false
	}
	return id, true
}

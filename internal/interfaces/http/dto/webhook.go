package dto

import "scriptflow-api/internal/application/webhook"

// WebhookTestResponse Webhook 测试投递结果
type WebhookTestResponse struct {
	SubscriptionID string `json:"subscription_id"`
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

// ToWebhookTestResponse 转换投递结果
func ToWebhookTestResponse(subscriptionID string, result webhook.DeliveryResult) *WebhookTestResponse {
	return &WebhookTestResponse{
		SubscriptionID: subscriptionID,
		Success:        result.Success,
		StatusCode:     result.StatusCode,
		Attempts:       result.Attempts,
		Error:          result.Error,
	}
}

package entity

import "time"

// WebhookEvent 通知事件类型
type WebhookEvent string

const (
	EventScriptStarted   WebhookEvent = "script.started"
	EventScriptCompleted WebhookEvent = "script.completed"
	EventScriptFailed    WebhookEvent = "script.failed"
	EventScriptCancelled WebhookEvent = "script.cancelled"
	EventWebhookTest     WebhookEvent = "webhook.test"
)

// WebhookSubscription 回调订阅配置
type WebhookSubscription struct {
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	TargetURL     string         `json:"target_url"`
	Secret        string         `json:"-"`
	EnabledEvents []WebhookEvent `json:"enabled_events" gorm:"serializer:json"`
	Enabled       bool           `json:"enabled"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Accepts 判断订阅是否接收该事件
func (s *WebhookSubscription) Accepts(event WebhookEvent) bool {
	if !s.Enabled {
		return false
	}
	// 空事件列表视为订阅全部事件
	if len(s.EnabledEvents) == 0 {
		return true
	}
	for _, e := range s.EnabledEvents {
		if e == event {
			return true
		}
	}
	return false
}

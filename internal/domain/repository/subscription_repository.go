package repository

import (
	"context"

	"scriptflow-api/internal/domain/entity"
)

// SubscriptionRepository 回调订阅仓储接口
type SubscriptionRepository interface {
	// GetByID 根据 ID 获取订阅
	GetByID(ctx context.Context, id string) (*entity.WebhookSubscription, error)

	// ListEnabledByOwner 获取归属者启用中的订阅
	ListEnabledByOwner(ctx context.Context, ownerID string) ([]*entity.WebhookSubscription, error)
}

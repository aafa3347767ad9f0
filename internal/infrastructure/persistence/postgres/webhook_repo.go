package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"scriptflow-api/internal/domain/entity"
)

// SubscriptionRepository 回调订阅仓储实现
type SubscriptionRepository struct {
	client *Client
}

// NewSubscriptionRepository 创建回调订阅仓储
func NewSubscriptionRepository(client *Client) *SubscriptionRepository {
	return &SubscriptionRepository{client: client}
}

// GetByID 根据 ID 获取订阅
func (r *SubscriptionRepository) GetByID(ctx context.Context, id string) (*entity.WebhookSubscription, error) {
	ctx, span := tracer.Start(ctx, "postgres.SubscriptionRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var sub entity.WebhookSubscription
	if err := db.First(&sub, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

// ListEnabledByOwner 获取归属者启用中的订阅
func (r *SubscriptionRepository) ListEnabledByOwner(ctx context.Context, ownerID string) ([]*entity.WebhookSubscription, error) {
	ctx, span := tracer.Start(ctx, "postgres.SubscriptionRepository.ListEnabledByOwner")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var subs []*entity.WebhookSubscription
	if err := db.Where("owner_id = ? AND enabled = ?", ownerID, true).
		Order("created_at ASC").
		Find(&subs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

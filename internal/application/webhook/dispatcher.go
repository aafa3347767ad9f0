package webhook

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "scriptflow-api/pkg/errors"

	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
	"scriptflow-api/pkg/logger"
)

// Dispatcher 按归属者的订阅配置扇出事件
type Dispatcher struct {
	subs     repository.SubscriptionRepository
	notifier *Notifier
}

// NewDispatcher 创建事件分发器
func NewDispatcher(subs repository.SubscriptionRepository, notifier *Notifier) *Dispatcher {
	return &Dispatcher{
		subs:     subs,
		notifier: notifier,
	}
}

// NotifyJobEvent 向归属者的全部启用订阅并发投递任务事件。
// 任何投递失败都不向调用方冒泡。
func (d *Dispatcher) NotifyJobEvent(ctx context.Context, ownerID string, event entity.WebhookEvent, jobID string, data interface{}) {
	log := logger.FromContext(ctx)

	subs, err := d.subs.ListEnabledByOwner(ctx, ownerID)
	if err != nil {
		log.Warn("failed to list webhook subscriptions", "owner_id", ownerID, "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload := &EventPayload{
		Event:     event,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sub := range subs {
		if !sub.Accepts(event) {
			continue
		}
		sub := sub
		g.Go(func() error {
			d.notifier.Notify(gctx, sub, payload)
			return nil
		})
	}
	_ = g.Wait()
}

// SendTest 向指定订阅投递一条验证事件
func (d *Dispatcher) SendTest(ctx context.Context, ownerID, subscriptionID string) (DeliveryResult, error) {
	sub, err := d.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return DeliveryResult{}, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load subscription")
	}
	if sub == nil || sub.OwnerID != ownerID {
		return DeliveryResult{}, apperrors.ErrSubscriptionNotFound
	}

	payload := &EventPayload{
		Event:     entity.EventWebhookTest,
		Timestamp: time.Now().UTC(),
		Data: map[string]string{
			"subscription_id": sub.ID,
		},
	}
	return d.notifier.Notify(ctx, sub, payload), nil
}

// Package webhook 实现生命周期事件的尽力送达通知
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/pkg/logger"
	"scriptflow-api/pkg/metrics"
)

var tracer = otel.Tracer("webhook")

const (
	// SignatureHeader 请求体 HMAC-SHA256 签名头
	SignatureHeader = "X-Scriptflow-Signature"
	// EventHeader 事件类型头
	EventHeader = "X-Scriptflow-Event"
)

// EventPayload 外发事件载荷
type EventPayload struct {
	Event     entity.WebhookEvent `json:"event"`
	JobID     string              `json:"jobId"`
	Timestamp time.Time           `json:"timestamp"`
	Data      interface{}         `json:"data,omitempty"`
}

// DeliveryResult 单订阅的送达结果
type DeliveryResult struct {
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
}

// Notifier 单端点通知器
type Notifier struct {
	client *http.Client
	cfg    config.WebhookConfig
}

// NewNotifier 创建通知器
func NewNotifier(cfg config.WebhookConfig) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

// Notify 向单个订阅端点投递事件。非 2xx 与网络失败在有界次数内重试。
// 送达失败只记录，绝不影响所属任务的状态。
func (n *Notifier) Notify(ctx context.Context, sub *entity.WebhookSubscription, payload *EventPayload) DeliveryResult {
	ctx, span := tracer.Start(ctx, "webhook.Notify",
		trace.WithAttributes(
			attribute.String("webhook.event", string(payload.Event)),
			attribute.String("webhook.subscription_id", sub.ID),
		))
	defer span.End()

	result := DeliveryResult{}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshal payload: %v", err)
		return result
	}

	signature := Sign(sub.Secret, body)

	err = retry.Do(
		func() error {
			result.Attempts++
			statusCode, attemptErr := n.post(ctx, sub.TargetURL, string(payload.Event), signature, body)
			result.StatusCode = statusCode
			if attemptErr != nil {
				return attemptErr
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(n.cfg.MaxAttempts)),
		retry.Delay(n.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		metrics.WebhookDeliveryTotal.WithLabelValues(string(payload.Event), "failure").Inc()
		logger.FromContext(ctx).Warn("webhook delivery failed",
			"subscription_id", sub.ID,
			"event", payload.Event,
			"attempts", result.Attempts,
			"status_code", result.StatusCode,
			"error", err,
		)
	} else {
		result.Success = true
		metrics.WebhookDeliveryTotal.WithLabelValues(string(payload.Event), "success").Inc()
	}
	metrics.WebhookDeliveryAttempts.WithLabelValues(string(payload.Event)).Observe(float64(result.Attempts))

	span.SetAttributes(
		attribute.Bool("webhook.success", result.Success),
		attribute.Int("webhook.attempts", result.Attempts),
	)
	return result
}

// post 单次投递
func (n *Notifier) post(ctx context.Context, url, event, signature string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, event)
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Sign 计算请求体的 HMAC-SHA256 签名
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

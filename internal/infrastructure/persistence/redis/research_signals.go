package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"scriptflow-api/internal/domain/entity"
)

// researchMetricsKey 资料调研信号键，由上游检索流程写入
func researchMetricsKey(jobID string) string {
	return fmt.Sprintf("research:metrics:%s", jobID)
}

// ResearchSignals 读取上游检索流程写入的调研指标，经由缓存层读取以携带命中率追踪
type ResearchSignals struct {
	cache *Cache
}

// NewResearchSignals 创建调研信号读取器；无 Redis 时读取器返回零值指标
func NewResearchSignals(client *Client) *ResearchSignals {
	if client == nil {
		return &ResearchSignals{}
	}
	return &ResearchSignals{cache: NewCache(client)}
}

// GetMetrics 获取任务的调研指标；未写入时返回零值指标
func (s *ResearchSignals) GetMetrics(ctx context.Context, jobID string) (*entity.ResearchMetrics, error) {
	if s == nil || s.cache == nil {
		return &entity.ResearchMetrics{}, nil
	}

	ctx, span := tracer.Start(ctx, "redis.ResearchSignals.GetMetrics",
		trace.WithAttributes(attribute.String("job.id", jobID)))
	defer span.End()

	val, err := s.cache.Get(ctx, researchMetricsKey(jobID))
	if err != nil {
		if err == goredis.Nil {
			// 缺失视为无调研信号
			return &entity.ResearchMetrics{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get research metrics: %w", err)
	}

	var metrics entity.ResearchMetrics
	if err := json.Unmarshal(val, &metrics); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal research metrics: %w", err)
	}
	return &metrics, nil
}

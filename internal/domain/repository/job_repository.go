// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"encoding/json"

	"scriptflow-api/internal/domain/entity"
)

// JobFilter 任务过滤条件
type JobFilter struct {
	Status entity.JobStatus
}

// JobRepository 脚本生成任务仓储接口
type JobRepository interface {
	// Create 创建任务
	Create(ctx context.Context, job *entity.ScriptJob) error

	// GetByID 根据 ID 获取任务
	GetByID(ctx context.Context, id string) (*entity.ScriptJob, error)

	// Update 更新任务
	Update(ctx context.Context, job *entity.ScriptJob) error

	// ListByOwner 获取归属者任务列表
	ListByOwner(ctx context.Context, ownerID string, filter *JobFilter, pagination Pagination) (*PagedResult[*entity.ScriptJob], error)

	// GetByIdempotencyKey 根据幂等键获取任务
	GetByIdempotencyKey(ctx context.Context, ownerID, key string) (*entity.ScriptJob, error)

	// CancelIfActive 条件取消：仅当任务仍为 pending/processing 时置为 cancelled。
	// 返回是否发生了状态转换；false 表示任务已先行完结，取消不生效。
	CancelIfActive(ctx context.Context, id string) (bool, error)

	// MarkFailedIfActive 条件置失败：仅当任务仍为 pending/processing 时生效
	MarkFailedIfActive(ctx context.Context, id string, errorMessage string) (bool, error)

	// UpdateProgress 更新任务进度与当前步骤
	UpdateProgress(ctx context.Context, id string, progress int, step string, currentChunk int) error

	// SetOutlinePlan 固定分段总数
	SetOutlinePlan(ctx context.Context, id string, totalChunks int) error

	// SetResult 写入终稿结果并置为完成；仅当任务尚未完结时生效，
	// 返回是否写入成功（false 表示取消或失败已先落地）
	SetResult(ctx context.Context, id string, result json.RawMessage, partial bool) (bool, error)

	// IncrementRetry 重试计数加一
	IncrementRetry(ctx context.Context, id string) error

	// CountActiveByOwner 统计归属者未完结任务数量
	CountActiveByOwner(ctx context.Context, ownerID string) (int64, error)
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
)

// JobRepository 脚本任务仓储实现
type JobRepository struct {
	client *Client
}

// NewJobRepository 创建任务仓储
func NewJobRepository(client *Client) *JobRepository {
	return &JobRepository{client: client}
}

// Create 创建任务
func (r *JobRepository) Create(ctx context.Context, job *entity.ScriptJob) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(job).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID 根据 ID 获取任务
func (r *JobRepository) GetByID(ctx context.Context, id string) (*entity.ScriptJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.GetByID")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var job entity.ScriptJob
	if err := db.First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// Update 更新任务
func (r *JobRepository) Update(ctx context.Context, job *entity.ScriptJob) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.Update")
	defer span.End()

	db := getDB(ctx, r.client.db)
	job.UpdatedAt = time.Now()
	if err := db.Save(job).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

// ListByOwner 获取归属者任务列表
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID string, filter *repository.JobFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.ScriptJob], error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.ListByOwner")
	defer span.End()

	db := getDB(ctx, r.client.db)
	query := db.Model(&entity.ScriptJob{}).Where("owner_id = ?", ownerID)

	if filter != nil && filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	var jobs []*entity.ScriptJob
	if err := query.Order("created_at DESC").
		Offset(pagination.Offset()).
		Limit(pagination.Limit()).
		Find(&jobs).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return repository.NewPagedResult(jobs, total, pagination), nil
}

// GetByIdempotencyKey 根据幂等键获取任务
func (r *JobRepository) GetByIdempotencyKey(ctx context.Context, ownerID, key string) (*entity.ScriptJob, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.GetByIdempotencyKey")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var job entity.ScriptJob
	if err := db.First(&job, "owner_id = ? AND idempotency_key = ?", ownerID, key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}
	return &job, nil
}

// activeStatuses 未完结状态集合，终态转换的 CAS 条件
var activeStatuses = []entity.JobStatus{entity.JobStatusPending, entity.JobStatusProcessing}

// CancelIfActive 条件取消：终态行不受影响，已完成的结果不会被覆盖
func (r *JobRepository) CancelIfActive(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.CancelIfActive")
	defer span.End()

	db := getDB(ctx, r.client.db)
	now := time.Now()
	res := db.Model(&entity.ScriptJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":       entity.JobStatusCancelled,
			"updated_at":   now,
			"completed_at": now,
		})
	if res.Error != nil {
		span.RecordError(res.Error)
		return false, fmt.Errorf("failed to cancel job: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkFailedIfActive 条件置失败：终态行不受影响
func (r *JobRepository) MarkFailedIfActive(ctx context.Context, id string, errorMessage string) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.MarkFailedIfActive")
	defer span.End()

	db := getDB(ctx, r.client.db)
	now := time.Now()
	res := db.Model(&entity.ScriptJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":        entity.JobStatusFailed,
			"error_message": errorMessage,
			"updated_at":    now,
			"completed_at":  now,
		})
	if res.Error != nil {
		span.RecordError(res.Error)
		return false, fmt.Errorf("failed to mark job failed: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateProgress 更新任务进度与当前步骤；进度保持单调不减
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress int, step string, currentChunk int) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.UpdateProgress")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Model(&entity.ScriptJob{}).
		Where("id = ? AND progress <= ?", id, progress).
		Updates(map[string]interface{}{
			"progress":      progress,
			"current_step":  step,
			"current_chunk": currentChunk,
			"updated_at":    time.Now(),
		}).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// SetOutlinePlan 固定分段总数；已设置过则不覆盖
func (r *JobRepository) SetOutlinePlan(ctx context.Context, id string, totalChunks int) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.SetOutlinePlan")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Model(&entity.ScriptJob{}).
		Where("id = ? AND total_chunks = 0", id).
		Updates(map[string]interface{}{
			"total_chunks": totalChunks,
			"updated_at":   time.Now(),
		}).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set outline plan: %w", err)
	}
	return nil
}

// SetResult 写入终稿结果并置为完成。仅对未完结的行生效：
// 取消或失败先落地时返回 false，已持久化的终态不被覆盖。
func (r *JobRepository) SetResult(ctx context.Context, id string, result json.RawMessage, partial bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.SetResult")
	defer span.End()

	db := getDB(ctx, r.client.db)
	now := time.Now()
	res := db.Model(&entity.ScriptJob{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":         entity.JobStatusCompleted,
			"result":         result,
			"partial_result": partial,
			"progress":       100,
			"updated_at":     now,
			"completed_at":   now,
		})
	if res.Error != nil {
		span.RecordError(res.Error)
		return false, fmt.Errorf("failed to set job result: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementRetry 重试计数加一
func (r *JobRepository) IncrementRetry(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.IncrementRetry")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Model(&entity.ScriptJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

// CountActiveByOwner 统计归属者未完结任务数量
func (r *JobRepository) CountActiveByOwner(ctx context.Context, ownerID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.JobRepository.CountActiveByOwner")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var count int64
	if err := db.Model(&entity.ScriptJob{}).
		Where("owner_id = ? AND status IN ?", ownerID, []entity.JobStatus{entity.JobStatusPending, entity.JobStatusProcessing}).
		Count(&count).Error; err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

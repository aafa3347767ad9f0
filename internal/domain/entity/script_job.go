// Package entity 定义领域实体
package entity

import (
	"encoding/json"
	"time"
)

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal 判断是否为终态
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobParams 任务请求参数
type JobParams struct {
	Topic                 string `json:"topic"`
	TargetDurationMinutes int    `json:"target_duration_minutes"`
	VoiceProfileID        string `json:"voice_profile_id,omitempty"`
	ModelTier             string `json:"model_tier"`
}

// ScriptJob 长文脚本生成任务
type ScriptJob struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Status         JobStatus       `json:"status"`
	Params         JobParams       `json:"params" gorm:"serializer:json"`
	Progress       int             `json:"progress"` // 任务进度 (0-100)，处理期间单调不减
	CurrentStep    string          `json:"current_step,omitempty"`
	CurrentChunk   int             `json:"current_chunk"`
	TotalChunks    int             `json:"total_chunks"`
	PartialResult  bool            `json:"partial_result"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewScriptJob 创建新任务
func NewScriptJob(ownerID string, params JobParams) *ScriptJob {
	return &ScriptJob{
		OwnerID:   ownerID,
		Status:    JobStatusPending,
		Params:    params,
		Progress:  0,
		CreatedAt: time.Now(),
	}
}

// Start 进入处理状态；已是终态或已在处理时返回 false
func (j *ScriptJob) Start() bool {
	if j.Status != JobStatusPending {
		return false
	}
	now := time.Now()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	return true
}

// Complete 完成任务；终态不可再迁移
func (j *ScriptJob) Complete(result json.RawMessage, partial bool) bool {
	if j.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	j.Status = JobStatusCompleted
	j.Result = result
	j.PartialResult = partial
	j.Progress = 100
	j.CompletedAt = &now
	return true
}

// Fail 任务失败；终态不可再迁移
func (j *ScriptJob) Fail(errMsg string) bool {
	if j.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.CompletedAt = &now
	return true
}

// Cancel 取消任务；仅允许从 pending/processing 迁移
func (j *ScriptJob) Cancel() bool {
	if j.Status.IsTerminal() {
		return false
	}
	now := time.Now()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	return true
}

// UpdateProgress 更新进度；处理期间保持单调不减
func (j *ScriptJob) UpdateProgress(progress int) {
	if progress < j.Progress {
		return
	}
	if progress > 100 {
		progress = 100
	}
	j.Progress = progress
}

// SetOutlinePlan 固定分段总数；大纲确定后不可再变
func (j *ScriptJob) SetOutlinePlan(totalChunks int) bool {
	if j.TotalChunks > 0 {
		return false
	}
	j.TotalChunks = totalChunks
	return true
}

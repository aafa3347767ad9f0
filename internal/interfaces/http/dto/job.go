package dto

import (
	"encoding/json"
	"time"

	"scriptflow-api/internal/domain/entity"
)

// SubmitJobRequest 提交脚本生成任务请求
type SubmitJobRequest struct {
	Topic                 string `json:"topic" binding:"required"`
	TargetDurationMinutes int    `json:"target_duration_minutes" binding:"required"`
	VoiceProfileID        string `json:"voice_profile_id"`
	ModelTier             string `json:"model_tier"`
}

// CancelJobRequest 取消任务请求
type CancelJobRequest struct {
	Action string `json:"action" binding:"required"`
}

// JobResponse 任务响应
type JobResponse struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	Topic          string          `json:"topic"`
	TargetDuration int             `json:"target_duration_minutes"`
	ModelTier      string          `json:"model_tier,omitempty"`
	Progress       int             `json:"progress"`
	CurrentStep    string          `json:"current_step,omitempty"`
	CurrentChunk   int             `json:"current_chunk,omitempty"`
	TotalChunks    int             `json:"total_chunks,omitempty"`
	PartialResult  bool            `json:"partial_result,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// ToJobResponse 将任务实体转换为响应
func ToJobResponse(job *entity.ScriptJob) *JobResponse {
	resp := &JobResponse{
		ID:             job.ID,
		Status:         string(job.Status),
		Topic:          job.Params.Topic,
		TargetDuration: job.Params.TargetDurationMinutes,
		ModelTier:      job.Params.ModelTier,
		Progress:       job.Progress,
		CurrentStep:    job.CurrentStep,
		CurrentChunk:   job.CurrentChunk,
		TotalChunks:    job.TotalChunks,
		PartialResult:  job.PartialResult,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == entity.JobStatusCompleted || job.Status == entity.JobStatusCancelled {
		resp.Result = job.Result
	}
	return resp
}

// ToJobResponseList 批量转换任务实体
func ToJobResponseList(jobs []*entity.ScriptJob) []*JobResponse {
	out := make([]*JobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, ToJobResponse(j))
	}
	return out
}

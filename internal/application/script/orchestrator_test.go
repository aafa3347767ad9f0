package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptflow-api/internal/application/webhook"
	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
	llmctx "scriptflow-api/internal/domain/service"
	apperrors "scriptflow-api/pkg/errors"
)

// fakeChatModel 按工作流上下文分发的测试模型
type fakeChatModel struct {
	mu          sync.Mutex
	outlineFn   func(call int) (string, error)
	chunkFn     func(call int) (string, error)
	outlineCall int
	chunkCall   int
}

func (m *fakeChatModel) Generate(ctx context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var content string
	var err error
	switch llmctx.WorkflowFromContext(ctx) {
	case "outline_plan":
		m.outlineCall++
		content, err = m.outlineFn(m.outlineCall)
	case "chunk_generate":
		m.chunkCall++
		content, err = m.chunkFn(m.chunkCall)
	default:
		return nil, fmt.Errorf("unexpected workflow")
	}
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(content, nil), nil
}

func (m *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, fmt.Errorf("stream not supported")
}

type fakeFactory struct {
	model *fakeChatModel
}

func (f *fakeFactory) Get(context.Context, string) (model.BaseChatModel, error) {
	return f.model, nil
}

// memoryJobStore 内存任务仓储
type memoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*entity.ScriptJob
}

func newMemoryJobStore() *memoryJobStore {
	return &memoryJobStore{jobs: make(map[string]*entity.ScriptJob)}
}

func (r *memoryJobStore) Create(_ context.Context, job *entity.ScriptJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memoryJobStore) GetByID(_ context.Context, id string) (*entity.ScriptJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (r *memoryJobStore) Update(_ context.Context, job *entity.ScriptJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memoryJobStore) ListByOwner(_ context.Context, ownerID string, filter *repository.JobFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.ScriptJob], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*entity.ScriptJob
	for _, job := range r.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter != nil && filter.Status != "" && job.Status != filter.Status {
			continue
		}
		copied := *job
		items = append(items, &copied)
	}
	return repository.NewPagedResult(items, int64(len(items)), pagination), nil
}

func (r *memoryJobStore) GetByIdempotencyKey(_ context.Context, ownerID, key string) (*entity.ScriptJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.OwnerID == ownerID && job.IdempotencyKey == key {
			copied := *job
			return &copied, nil
		}
	}
	return nil, nil
}

// setStatus 测试预置状态
func (r *memoryJobStore) setStatus(id string, status entity.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.Status = status
	}
}

func (r *memoryJobStore) CancelIfActive(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = entity.JobStatusCancelled
	now := time.Now()
	job.CompletedAt = &now
	return true, nil
}

func (r *memoryJobStore) MarkFailedIfActive(_ context.Context, id string, errorMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = entity.JobStatusFailed
	job.ErrorMessage = errorMessage
	now := time.Now()
	job.CompletedAt = &now
	return true, nil
}

func (r *memoryJobStore) UpdateProgress(_ context.Context, id string, progress int, step string, currentChunk int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && progress >= job.Progress {
		job.Progress = progress
		job.CurrentStep = step
		job.CurrentChunk = currentChunk
	}
	return nil
}

func (r *memoryJobStore) SetOutlinePlan(_ context.Context, id string, totalChunks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.TotalChunks == 0 {
		job.TotalChunks = totalChunks
	}
	return nil
}

func (r *memoryJobStore) SetResult(_ context.Context, id string, result json.RawMessage, partial bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = entity.JobStatusCompleted
	job.Result = result
	job.PartialResult = partial
	job.Progress = 100
	now := time.Now()
	job.CompletedAt = &now
	return true, nil
}

func (r *memoryJobStore) IncrementRetry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.RetryCount++
	}
	return nil
}

func (r *memoryJobStore) CountActiveByOwner(_ context.Context, ownerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, job := range r.jobs {
		if job.OwnerID == ownerID && !job.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

type passTx struct{}

func (passTx) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type noSubRepo struct{}

func (noSubRepo) GetByID(context.Context, string) (*entity.WebhookSubscription, error) {
	return nil, nil
}

func (noSubRepo) ListEnabledByOwner(context.Context, string) ([]*entity.WebhookSubscription, error) {
	return nil, nil
}

func pipelineConfig() *config.Config {
	return &config.Config{
		Script: config.ScriptConfig{
			WordsPerMinute:     130,
			IdealChunkWordSize: 1900,
			OverlapWords:       50,
			ChunkRetryLimit:    1,
			Quality: config.QualityConfig{
				BypassThreshold:    0.80,
				MinVerifiedSources: 10,
				MinStarredSources:  3,
				MinResearchRatio:   1.0,
			},
			Outline: config.OutlineConfig{
				SimilarityThreshold: 0.6,
				WordTolerance:       0.1,
			},
		},
		Tiers: map[string]config.TierConfig{
			"free": {MaxDurationMinutes: 10, ModelTiers: []string{"standard"}},
			"pro":  {MaxDurationMinutes: 60, ModelTiers: []string{"standard", "premium"}},
		},
	}
}

func validOutlineJSON() string {
	return `{
		"sections": [
			{"index": 0, "title": "开场", "role": "hook", "target_word_count": 1625,
			 "content_points": [{"text": "抛出深海热泉的核心悬念问题"}]},
			{"index": 1, "title": "收尾", "role": "call_to_action", "target_word_count": 1625,
			 "content_points": [{"text": "总结启示并引导观众订阅频道"}]}
		]
	}`
}

func chunkText(words int) string {
	var b strings.Builder
	for i := 0; i < words; i++ {
		fmt.Fprintf(&b, "w%d ", i)
	}
	return strings.TrimSpace(b.String()) + "."
}

func newPipelineOrchestrator(repo repository.JobRepository, fm *fakeChatModel) *Orchestrator {
	cfg := pipelineConfig()
	factory := &fakeFactory{model: fm}
	dispatcher := webhook.NewDispatcher(noSubRepo{}, webhook.NewNotifier(config.WebhookConfig{
		Timeout:     time.Second,
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
	}))
	return NewOrchestrator(cfg, repo, passTx{}, nil,
		NewPlanner(factory, cfg.Script.Outline),
		NewGenerator(factory, cfg.Script),
		NewValidator(cfg.Script.Quality),
		nil, dispatcher)
}

func seedPendingJob(repo *memoryJobStore, duration int) *entity.ScriptJob {
	job := entity.NewScriptJob("owner-1", entity.JobParams{
		Topic:                 "深海热泉生态",
		TargetDurationMinutes: duration,
	})
	job.ID = uuid.NewString()
	_ = repo.Create(context.Background(), job)
	return job
}

func TestOrchestrator_Run_CompletesPipeline(t *testing.T) {
	repo := newMemoryJobStore()
	fm := &fakeChatModel{
		outlineFn: func(int) (string, error) { return validOutlineJSON(), nil },
		chunkFn:   func(int) (string, error) { return chunkText(1500), nil },
	}
	o := newPipelineOrchestrator(repo, fm)
	job := seedPendingJob(repo, 25)

	require.NoError(t, o.Run(context.Background(), job.ID))

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, 2, stored.TotalChunks)
	assert.False(t, stored.PartialResult)

	var result entity.ScriptResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, 2, result.ChunkCount)
	assert.Equal(t, 3250, result.TargetWords)
	assert.Equal(t, 3000, result.TotalWordCount)
	assert.NotEmpty(t, result.Script)
	require.NotNil(t, result.Outline)
	assert.False(t, result.Outline.Fallback)

	// 每块各调用一次，无重试
	assert.Equal(t, 2, fm.chunkCall)
}

func TestOrchestrator_Run_FallbackOutline(t *testing.T) {
	repo := newMemoryJobStore()
	fm := &fakeChatModel{
		// 大纲两次都返回不可解析内容，触发均分兜底
		outlineFn: func(int) (string, error) { return "抱歉，我无法规划。", nil },
		chunkFn:   func(int) (string, error) { return chunkText(1500), nil },
	}
	o := newPipelineOrchestrator(repo, fm)
	job := seedPendingJob(repo, 25)

	require.NoError(t, o.Run(context.Background(), job.ID))

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCompleted, stored.Status)
	assert.Equal(t, 2, fm.outlineCall)

	var result entity.ScriptResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	require.NotNil(t, result.Outline)
	assert.True(t, result.Outline.Fallback)
}

func TestOrchestrator_Run_ShortChunkRetriedOnce(t *testing.T) {
	repo := newMemoryJobStore()
	fm := &fakeChatModel{
		outlineFn: func(int) (string, error) { return validOutlineJSON(), nil },
		chunkFn: func(call int) (string, error) {
			// 第一次产出过短，重新生成后达标
			if call == 1 {
				return chunkText(200), nil
			}
			return chunkText(1500), nil
		},
	}
	o := newPipelineOrchestrator(repo, fm)
	job := seedPendingJob(repo, 25)

	require.NoError(t, o.Run(context.Background(), job.ID))

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCompleted, stored.Status)
	// 两块 + 一次质量重试
	assert.Equal(t, 3, fm.chunkCall)
}

func TestOrchestrator_Run_CooperativeCancel(t *testing.T) {
	repo := newMemoryJobStore()
	var o *Orchestrator
	var jobID string

	fm := &fakeChatModel{
		outlineFn: func(int) (string, error) { return validOutlineJSON(), nil },
		chunkFn: func(call int) (string, error) {
			if call == 1 {
				// 第一块生成期间外部请求取消
				_, cancelErr := o.Cancel(context.Background(), "owner-1", jobID)
				if cancelErr != nil {
					return "", cancelErr
				}
			}
			return chunkText(1500), nil
		},
	}
	o = newPipelineOrchestrator(repo, fm)
	job := seedPendingJob(repo, 25)
	jobID = job.ID

	require.NoError(t, o.Run(context.Background(), jobID))

	stored, err := repo.GetByID(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, stored.Status)
	assert.True(t, stored.PartialResult)

	// 已生成的第一块作为部分稿保留
	var result entity.ScriptResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, 1, result.ChunkCount)
	assert.Equal(t, 1, fm.chunkCall)
}

func TestOrchestrator_Run_TerminalJobSkipped(t *testing.T) {
	repo := newMemoryJobStore()
	fm := &fakeChatModel{
		outlineFn: func(int) (string, error) { return validOutlineJSON(), nil },
		chunkFn:   func(int) (string, error) { return chunkText(1500), nil },
	}
	o := newPipelineOrchestrator(repo, fm)

	job := seedPendingJob(repo, 25)
	repo.setStatus(job.ID, entity.JobStatusCompleted)

	// 重复投递不触发任何模型调用
	require.NoError(t, o.Run(context.Background(), job.ID))
	assert.Zero(t, fm.outlineCall)
	assert.Zero(t, fm.chunkCall)
}

func TestOrchestrator_Run_MissingJobDropped(t *testing.T) {
	repo := newMemoryJobStore()
	o := newPipelineOrchestrator(repo, &fakeChatModel{})

	assert.NoError(t, o.Run(context.Background(), uuid.NewString()))
}

func TestOrchestrator_Submit_Idempotency(t *testing.T) {
	repo := newMemoryJobStore()
	o := newPipelineOrchestrator(repo, &fakeChatModel{})

	// 预置同幂等键任务，提交直接短路返回，不触发入队
	existing := seedPendingJob(repo, 5)
	existing.IdempotencyKey = "key-1"
	require.NoError(t, repo.Update(context.Background(), existing))

	job, err := o.Submit(context.Background(), "owner-1", &SubmitRequest{
		Topic:                 "另一个主题",
		TargetDurationMinutes: 5,
		IdempotencyKey:        "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, job.ID)
}

func TestOrchestrator_Cancel_Terminal(t *testing.T) {
	repo := newMemoryJobStore()
	o := newPipelineOrchestrator(repo, &fakeChatModel{})

	job := seedPendingJob(repo, 5)
	repo.setStatus(job.ID, entity.JobStatusFailed)

	_, err := o.Cancel(context.Background(), "owner-1", job.ID)
	require.Error(t, err)
}

func TestOrchestrator_MarkFailedFromDLQ(t *testing.T) {
	repo := newMemoryJobStore()
	o := newPipelineOrchestrator(repo, &fakeChatModel{})

	job := seedPendingJob(repo, 5)
	o.MarkFailedFromDLQ(context.Background(), job.ID, fmt.Errorf("handler kept failing"))

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	// 已完结任务不被重复终结
	repo.setStatus(job.ID, entity.JobStatusCompleted)
	o.MarkFailedFromDLQ(context.Background(), job.ID, fmt.Errorf("late dlq"))
	stored, _ = repo.GetByID(context.Background(), job.ID)
	assert.Equal(t, entity.JobStatusCompleted, stored.Status)
}

// raceJobStore 在条件写执行前注入并发写，复现终态竞争窗口
type raceJobStore struct {
	*memoryJobStore
	beforeCancel    func()
	beforeSetResult func()
}

func (r *raceJobStore) CancelIfActive(ctx context.Context, id string) (bool, error) {
	if r.beforeCancel != nil {
		r.beforeCancel()
	}
	return r.memoryJobStore.CancelIfActive(ctx, id)
}

func (r *raceJobStore) SetResult(ctx context.Context, id string, result json.RawMessage, partial bool) (bool, error) {
	if r.beforeSetResult != nil {
		r.beforeSetResult()
	}
	return r.memoryJobStore.SetResult(ctx, id, result, partial)
}

func TestOrchestrator_Cancel_AfterCompletionIsNoOp(t *testing.T) {
	mem := newMemoryJobStore()
	job := seedPendingJob(mem, 5)
	mem.setStatus(job.ID, entity.JobStatusProcessing)

	resultJSON := json.RawMessage(`{"script":"终稿内容"}`)
	repo := &raceJobStore{memoryJobStore: mem}
	repo.beforeCancel = func() {
		// 完成写恰好落在取消的快照读与状态写之间
		_, _ = mem.SetResult(context.Background(), job.ID, resultJSON, false)
	}
	o := newPipelineOrchestrator(repo, &fakeChatModel{})

	_, err := o.Cancel(context.Background(), "owner-1", job.ID)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeJobTerminal, apperrors.AsAppError(err).Code)

	// 迟到的取消不得推翻已落地的完成态，结果保持完整
	stored, gerr := mem.GetByID(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, entity.JobStatusCompleted, stored.Status)
	assert.JSONEq(t, string(resultJSON), string(stored.Result))
}

func TestOrchestrator_Run_CancelRaceAtResultWrite(t *testing.T) {
	mem := newMemoryJobStore()
	repo := &raceJobStore{memoryJobStore: mem}
	fm := &fakeChatModel{
		outlineFn: func(int) (string, error) { return validOutlineJSON(), nil },
		chunkFn:   func(int) (string, error) { return chunkText(1500), nil },
	}
	o := newPipelineOrchestrator(repo, fm)
	job := seedPendingJob(mem, 25)

	// 取消恰好落在拼接完成与结果落库之间
	repo.beforeSetResult = func() {
		_, _ = mem.CancelIfActive(context.Background(), job.ID)
	}

	require.NoError(t, o.Run(context.Background(), job.ID))

	stored, err := mem.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, stored.Status)
	assert.True(t, stored.PartialResult)

	// 已生成的内容作为部分稿保留在取消行上
	var result entity.ScriptResult
	require.NoError(t, json.Unmarshal(stored.Result, &result))
	assert.Equal(t, 2, result.ChunkCount)
}

func TestOrchestrator_Submit_ConcurrentJobLimit(t *testing.T) {
	repo := newMemoryJobStore()
	o := newPipelineOrchestrator(repo, &fakeChatModel{})
	o.cfg.Tiers["free"] = config.TierConfig{
		MaxDurationMinutes: 10,
		ModelTiers:         []string{"standard"},
		MaxConcurrentJobs:  1,
	}

	// 已有一个进行中任务占满档位额度
	seedPendingJob(repo, 5)

	_, err := o.Submit(context.Background(), "owner-1", &SubmitRequest{
		Topic:                 "深海热泉生态",
		TargetDurationMinutes: 5,
	})
	require.Error(t, err)
	appErr := apperrors.AsAppError(err)
	assert.Equal(t, apperrors.CodeEntitlementExceeded, appErr.Code)
	assert.Contains(t, appErr.Fields, "concurrent_jobs")
}

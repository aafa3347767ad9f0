package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptflow-api/internal/application/script"
	"scriptflow-api/internal/application/webhook"
	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
	"scriptflow-api/internal/interfaces/http/dto"
	"scriptflow-api/internal/interfaces/http/middleware"
)

// memoryJobRepo 内存任务仓储，测试用
type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*entity.ScriptJob
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{jobs: make(map[string]*entity.ScriptJob)}
}

func (r *memoryJobRepo) Create(_ context.Context, job *entity.ScriptJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memoryJobRepo) GetByID(_ context.Context, id string) (*entity.ScriptJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (r *memoryJobRepo) Update(_ context.Context, job *entity.ScriptJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memoryJobRepo) ListByOwner(_ context.Context, ownerID string, filter *repository.JobFilter, pagination repository.Pagination) (*repository.PagedResult[*entity.ScriptJob], error) {
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

func (r *memoryJobRepo) GetByIdempotencyKey(_ context.Context, ownerID, key string) (*entity.ScriptJob, error) {
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

func (r *memoryJobRepo) CancelIfActive(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = entity.JobStatusCancelled
	return true, nil
}

func (r *memoryJobRepo) MarkFailedIfActive(_ context.Context, id string, errorMessage string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = entity.JobStatusFailed
	job.ErrorMessage = errorMessage
	return true, nil
}

func (r *memoryJobRepo) UpdateProgress(_ context.Context, id string, progress int, step string, currentChunk int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && progress >= job.Progress {
		job.Progress = progress
		job.CurrentStep = step
		job.CurrentChunk = currentChunk
	}
	return nil
}

func (r *memoryJobRepo) SetOutlinePlan(_ context.Context, id string, totalChunks int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok && job.TotalChunks == 0 {
		job.TotalChunks = totalChunks
	}
	return nil
}

func (r *memoryJobRepo) SetResult(_ context.Context, id string, result json.RawMessage, partial bool) (bool, error) {
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
	return true, nil
}

func (r *memoryJobRepo) IncrementRetry(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.RetryCount++
	}
	return nil
}

func (r *memoryJobRepo) CountActiveByOwner(_ context.Context, ownerID string) (int64, error) {
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

type noopTx struct{}

func (noopTx) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

type emptySubRepo struct{}

func (emptySubRepo) GetByID(context.Context, string) (*entity.WebhookSubscription, error) {
	return nil, nil
}

func (emptySubRepo) ListEnabledByOwner(context.Context, string) ([]*entity.WebhookSubscription, error) {
	return nil, nil
}

func testConfig() *config.Config {
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
		},
		Tiers: map[string]config.TierConfig{
			"free": {MaxDurationMinutes: 10, ModelTiers: []string{"standard"}},
			"pro":  {MaxDurationMinutes: 60, ModelTiers: []string{"standard", "premium"}},
		},
	}
}

func setupJobRouter(t *testing.T, repo *memoryJobRepo) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dispatcher := webhook.NewDispatcher(emptySubRepo{}, webhook.NewNotifier(config.WebhookConfig{
		Timeout:     time.Second,
		MaxAttempts: 1,
		RetryDelay:  time.Millisecond,
	}))
	orchestrator := script.NewOrchestrator(testConfig(), repo, noopTx{}, nil,
		nil, nil, script.NewValidator(testConfig().Script.Quality), nil, dispatcher)

	h := NewJobHandler(orchestrator)

	engine := gin.New()
	v1 := engine.Group("/v1")
	v1.Use(middleware.Owner())
	v1.POST("/jobs", h.SubmitJob)
	v1.GET("/jobs", h.ListJobs)
	v1.GET("/jobs/:jid", h.GetJob)
	v1.PATCH("/jobs/:jid", h.UpdateJob)
	return engine
}

func doRequest(engine *gin.Engine, method, path, ownerID string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if ownerID != "" {
		req.Header.Set("X-Owner-ID", ownerID)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func seedJob(repo *memoryJobRepo, ownerID string, status entity.JobStatus) *entity.ScriptJob {
	job := entity.NewScriptJob(ownerID, entity.JobParams{
		Topic:                 "深海热泉生态",
		TargetDurationMinutes: 25,
	})
	job.ID = uuid.NewString()
	job.Status = status
	_ = repo.Create(context.Background(), job)
	return job
}

func TestJobHandler_MissingOwnerHeader(t *testing.T) {
	engine := setupJobRouter(t, newMemoryJobRepo())

	w := doRequest(engine, http.MethodGet, "/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestJobHandler_SubmitValidation(t *testing.T) {
	engine := setupJobRouter(t, newMemoryJobRepo())

	// 缺失必填字段由绑定层拦截
	w := doRequest(engine, http.MethodPost, "/v1/jobs", "owner-1", map[string]interface{}{
		"topic": "时间的本质",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 超出订阅授权返回字段级原因
	w = doRequest(engine, http.MethodPost, "/v1/jobs", "owner-1", map[string]interface{}{
		"topic":                   "时间的本质",
		"target_duration_minutes": 45,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Fields, "target_duration_minutes")

	// 不在授权内的模型档位
	w = doRequest(engine, http.MethodPost, "/v1/jobs", "owner-1", map[string]interface{}{
		"topic":                   "时间的本质",
		"target_duration_minutes": 5,
		"model_tier":              "premium",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp = dto.ErrorResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Fields, "model_tier")
}

func TestJobHandler_GetJob(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)
	job := seedJob(repo, "owner-1", entity.JobStatusProcessing)

	w := doRequest(engine, http.MethodGet, "/v1/jobs/"+job.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.Response[*dto.JobResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.Data.ID)
	assert.Equal(t, "processing", resp.Data.Status)
	assert.Nil(t, resp.Data.Result)

	// 他人任务与不存在的任务一律 404
	w = doRequest(engine, http.MethodGet, "/v1/jobs/"+job.ID, "owner-2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(engine, http.MethodGet, "/v1/jobs/"+uuid.NewString(), "owner-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// 非 UUID 路径参数
	w = doRequest(engine, http.MethodGet, "/v1/jobs/not-a-uuid", "owner-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_GetJob_CompletedIncludesResult(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)

	job := seedJob(repo, "owner-1", entity.JobStatusProcessing)
	result := json.RawMessage(`{"script":"stitched text","total_word_count":3300}`)
	_, err := repo.SetResult(context.Background(), job.ID, result, false)
	require.NoError(t, err)

	w := doRequest(engine, http.MethodGet, "/v1/jobs/"+job.ID, "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.Response[*dto.JobResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Data.Status)
	assert.Equal(t, 100, resp.Data.Progress)
	assert.JSONEq(t, string(result), string(resp.Data.Result))
}

func TestJobHandler_ListJobs(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)

	seedJob(repo, "owner-1", entity.JobStatusPending)
	seedJob(repo, "owner-1", entity.JobStatusCompleted)
	seedJob(repo, "owner-2", entity.JobStatusPending)

	w := doRequest(engine, http.MethodGet, "/v1/jobs", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.Response[[]*dto.JobResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 2, resp.Meta.Total)

	// 状态过滤
	w = doRequest(engine, http.MethodGet, "/v1/jobs?status=completed", "owner-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp = dto.Response[[]*dto.JobResponse]{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 1)
	assert.Equal(t, "completed", resp.Data[0].Status)
}

func TestJobHandler_CancelJob(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)
	job := seedJob(repo, "owner-1", entity.JobStatusProcessing)

	w := doRequest(engine, http.MethodPatch, "/v1/jobs/"+job.ID, "owner-1",
		map[string]string{"action": "cancel"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.Response[*dto.JobResponse]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Data.Status)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusCancelled, stored.Status)
}

func TestJobHandler_CancelJob_Terminal(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)
	job := seedJob(repo, "owner-1", entity.JobStatusCompleted)

	w := doRequest(engine, http.MethodPatch, "/v1/jobs/"+job.ID, "owner-1",
		map[string]string{"action": "cancel"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJobHandler_CancelJob_UnsupportedAction(t *testing.T) {
	repo := newMemoryJobRepo()
	engine := setupJobRouter(t, repo)
	job := seedJob(repo, "owner-1", entity.JobStatusProcessing)

	w := doRequest(engine, http.MethodPatch, "/v1/jobs/"+job.ID, "owner-1",
		map[string]string{"action": "pause"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusProcessing, stored.Status)
}

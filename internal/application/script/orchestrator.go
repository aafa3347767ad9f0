package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scriptflow-api/internal/application/webhook"
	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/domain/repository"
	"scriptflow-api/internal/infrastructure/messaging"
	"scriptflow-api/internal/infrastructure/persistence/redis"
	apperrors "scriptflow-api/pkg/errors"
	"scriptflow-api/pkg/logger"
	"scriptflow-api/pkg/metrics"
)

// SubmitRequest 任务提交请求
type SubmitRequest struct {
	Topic                 string
	TargetDurationMinutes int
	VoiceProfileID        string
	ModelTier             string
	SubscriptionTier      string
	IdempotencyKey        string
}

// Orchestrator 任务编排器：submit/run/cancel/getStatus 的状态机
type Orchestrator struct {
	cfg        *config.Config
	jobs       repository.JobRepository
	tx         repository.Transactor
	producer   *messaging.Producer
	planner    *Planner
	generator  *Generator
	validator  *Validator
	research   *redis.ResearchSignals
	dispatcher *webhook.Dispatcher
}

// NewOrchestrator 创建任务编排器
func NewOrchestrator(
	cfg *config.Config,
	jobs repository.JobRepository,
	tx repository.Transactor,
	producer *messaging.Producer,
	planner *Planner,
	generator *Generator,
	validator *Validator,
	research *redis.ResearchSignals,
	dispatcher *webhook.Dispatcher,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		jobs:       jobs,
		tx:         tx,
		producer:   producer,
		planner:    planner,
		generator:  generator,
		validator:  validator,
		research:   research,
		dispatcher: dispatcher,
	}
}

// Submit 校验授权并创建任务。授权不通过时带字段级原因拒绝，不落任务行。
func (o *Orchestrator) Submit(ctx context.Context, ownerID string, req *SubmitRequest) (*entity.ScriptJob, error) {
	tier, err := o.validateSubmit(req)
	if err != nil {
		return nil, err
	}

	// 幂等键命中时返回已有任务，不重复入队
	if req.IdempotencyKey != "" {
		existing, err := o.jobs.GetByIdempotencyKey(ctx, ownerID, req.IdempotencyKey)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to check idempotency key")
		}
		if existing != nil {
			return existing, nil
		}
	}

	// 并发任务数授权：超限时拒绝，不落任务行
	if tier.MaxConcurrentJobs > 0 {
		active, err := o.jobs.CountActiveByOwner(ctx, ownerID)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to count active jobs")
		}
		if active >= int64(tier.MaxConcurrentJobs) {
			return nil, apperrors.New(apperrors.CodeEntitlementExceeded, "request exceeds subscription entitlement").
				WithField("concurrent_jobs",
					fmt.Sprintf("at most %d jobs may be pending or processing at once", tier.MaxConcurrentJobs))
		}
	}

	job := entity.NewScriptJob(ownerID, entity.JobParams{
		Topic:                 strings.TrimSpace(req.Topic),
		TargetDurationMinutes: req.TargetDurationMinutes,
		VoiceProfileID:        req.VoiceProfileID,
		ModelTier:             req.ModelTier,
	})
	job.ID = uuid.NewString()
	job.IdempotencyKey = req.IdempotencyKey

	err = o.tx.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := o.jobs.Create(txCtx, job); err != nil {
			return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to create job")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// 确认入队后任务才对执行器可见；入队失败时任务保持 pending，由提交方重试
	if _, err := o.producer.PublishScriptJob(ctx, &messaging.ScriptJobMessage{
		JobID:          job.ID,
		OwnerID:        ownerID,
		IdempotencyKey: req.IdempotencyKey,
	}); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeQueueError, "failed to enqueue job")
	}

	logger.FromContext(ctx).Info("script job submitted",
		"job_id", job.ID,
		"owner_id", ownerID,
		"duration_minutes", req.TargetDurationMinutes,
		"model_tier", req.ModelTier,
	)
	return job, nil
}

// validateSubmit 字段级参数与授权校验，通过时返回解析出的订阅档位配置
func (o *Orchestrator) validateSubmit(req *SubmitRequest) (config.TierConfig, error) {
	if req == nil {
		return config.TierConfig{}, apperrors.New(apperrors.CodeInvalidParam, "request is nil")
	}

	verr := apperrors.New(apperrors.CodeValidationFailed, "invalid submit request")
	if strings.TrimSpace(req.Topic) == "" {
		verr.WithField("topic", "topic is required")
	}
	if req.TargetDurationMinutes <= 0 {
		verr.WithField("target_duration_minutes", "must be positive")
	}
	if len(verr.Fields) > 0 {
		return config.TierConfig{}, verr
	}

	tierName := req.SubscriptionTier
	if tierName == "" {
		tierName = "free"
	}
	tier, ok := o.cfg.Tiers[tierName]
	if !ok {
		return config.TierConfig{}, apperrors.New(apperrors.CodeEntitlementExceeded, "unknown subscription tier").
			WithField("subscription_tier", fmt.Sprintf("tier %q is not configured", tierName))
	}

	eerr := apperrors.New(apperrors.CodeEntitlementExceeded, "request exceeds subscription entitlement")
	if req.TargetDurationMinutes > tier.MaxDurationMinutes {
		eerr.WithField("target_duration_minutes",
			fmt.Sprintf("tier %q allows at most %d minutes", tierName, tier.MaxDurationMinutes))
	}
	if req.ModelTier != "" && !containsString(tier.ModelTiers, req.ModelTier) {
		eerr.WithField("model_tier",
			fmt.Sprintf("tier %q does not include model tier %q", tierName, req.ModelTier))
	}
	if len(eerr.Fields) > 0 {
		return config.TierConfig{}, eerr
	}
	return tier, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Run 执行任务管线。幂等：每一步先读持久化状态再动作，
// at-least-once 执行器重复调用不会重复计费、重复通知或重跑已完成的工作。
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	log := logger.FromContext(ctx)

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load job")
	}
	if job == nil {
		// 任务不存在视为永久失败，直接丢弃消息
		log.Warn("job not found, dropping message", "job_id", jobID)
		return nil
	}
	if job.Status.IsTerminal() {
		// 重复投递：已完结任务不做任何事
		log.Info("job already terminal, skipping", "job_id", jobID, "status", job.Status)
		return nil
	}

	start := time.Now()
	if job.Status == entity.JobStatusPending {
		if job.Start() {
			if err := o.jobs.Update(ctx, job); err != nil {
				return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to mark job processing")
			}
			metrics.ActiveJobs.Inc()
			defer metrics.ActiveJobs.Dec()
			o.dispatcher.NotifyJobEvent(ctx, job.OwnerID, entity.EventScriptStarted, job.ID, nil)
		}
	}

	err = o.runPipeline(ctx, job)
	if err != nil {
		appErr := apperrors.AsAppError(err)
		if isPermanent(appErr) {
			o.failJob(ctx, job, appErr)
			return nil
		}
		// 瞬态错误冒泡给外层执行器重试
		if rerr := o.jobs.IncrementRetry(ctx, job.ID); rerr != nil {
			log.Warn("failed to increment retry count", "job_id", job.ID, "error", rerr)
		}
		return err
	}

	metrics.ScriptJobDuration.WithLabelValues(job.Params.ModelTier).Observe(time.Since(start).Seconds())
	return nil
}

// runPipeline 策略 → 大纲 → 逐块生成校验 → 拼接 → 完成
func (o *Orchestrator) runPipeline(ctx context.Context, job *entity.ScriptJob) error {
	strategy := ComputeStrategy(
		job.Params.TargetDurationMinutes,
		o.cfg.Script.WordsPerMinute,
		o.cfg.Script.IdealChunkWordSize,
		o.cfg.Script.Quality.BypassThreshold,
	)
	if err := o.jobs.UpdateProgress(ctx, job.ID, 5, "strategy", 0); err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to update progress")
	}

	// 大纲规划前的取消检查
	if cancelled, err := o.checkCancelled(ctx, job); err != nil {
		return err
	} else if cancelled {
		return nil
	}

	outline, err := o.planOutline(ctx, job, strategy)
	if err != nil {
		return err
	}

	chunks, cancelled, err := o.generateChunks(ctx, job, outline, strategy)
	if err != nil {
		return err
	}
	if cancelled {
		// 保留已生成的部分稿供用户找回
		o.savePartial(ctx, job.ID, chunks, outline, strategy)
		return nil
	}

	return o.complete(ctx, job, chunks, outline, strategy)
}

// planOutline 规划大纲并固定分段总数。重复执行时复用已持久化的分段数。
func (o *Orchestrator) planOutline(ctx context.Context, job *entity.ScriptJob, strategy ChunkStrategy) (*entity.Outline, error) {
	provider, model := o.resolveModel(job.Params.ModelTier)

	outline, err := o.planner.Plan(ctx, &PlanRequest{
		Topic:        job.Params.Topic,
		VoiceProfile: job.Params.VoiceProfileID,
		Strategy:     strategy,
		Provider:     provider,
		Model:        model,
	})
	if err != nil {
		// 规划器自带兜底，走到这里只可能是瞬态故障
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProviderError, "outline planning failed")
	}

	// 分段总数一经确定不再变化
	if job.TotalChunks == 0 {
		if err := o.jobs.SetOutlinePlan(ctx, job.ID, outline.SectionCount()); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to persist outline plan")
		}
		job.SetOutlinePlan(outline.SectionCount())
	}

	if err := o.jobs.UpdateProgress(ctx, job.ID, 15, "outline", 0); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to update progress")
	}
	return outline, nil
}

// generateChunks 顺序生成各分块；每块开始前做取消检查。
// 返回 cancelled=true 表示协作式取消生效，chunks 为已生成的部分。
func (o *Orchestrator) generateChunks(ctx context.Context, job *entity.ScriptJob, outline *entity.Outline, strategy ChunkStrategy) ([]*entity.ChunkResult, bool, error) {
	log := logger.FromContext(ctx)
	provider, model := o.resolveModel(job.Params.ModelTier)

	research, err := o.research.GetMetrics(ctx, job.ID)
	if err != nil {
		log.Warn("failed to read research metrics, proceeding without bypass", "error", err)
		research = &entity.ResearchMetrics{}
	}

	total := outline.SectionCount()
	chunks := make([]*entity.ChunkResult, 0, total)
	var prevTail string

	for i, section := range outline.Sections {
		if cancelled, err := o.checkCancelled(ctx, job); err != nil {
			return chunks, false, err
		} else if cancelled {
			return chunks, true, nil
		}

		chunk, err := o.generateValidated(ctx, job, section, prevTail, provider, model, research)
		if err != nil {
			return chunks, false, err
		}
		chunks = append(chunks, chunk)
		prevTail = chunk.TailOverlap

		progress := 15 + 80*(i+1)/total
		step := fmt.Sprintf("chunk %d/%d", i+1, total)
		if err := o.jobs.UpdateProgress(ctx, job.ID, progress, step, i+1); err != nil {
			return chunks, false, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to update progress")
		}
	}
	return chunks, false, nil
}

// generateValidated 生成单块并做质量闸门；不达标时在重试额度内重新生成一次
func (o *Orchestrator) generateValidated(ctx context.Context, job *entity.ScriptJob, section entity.OutlineSection, prevTail, provider, model string, research *entity.ResearchMetrics) (*entity.ChunkResult, error) {
	log := logger.FromContext(ctx)

	req := &GenerateRequest{
		Topic:        job.Params.Topic,
		VoiceProfile: job.Params.VoiceProfileID,
		Section:      section,
		PreviousTail: prevTail,
		ChunkTotal:   job.TotalChunks,
		Provider:     provider,
		Model:        model,
		ModelTier:    job.Params.ModelTier,
	}

	chunk, err := o.generator.GenerateChunk(ctx, req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeLLMProviderError, "chunk generation failed")
	}

	verdict := o.validator.Validate(chunk.Text, section.TargetWordCount, research, true)
	chunk.Verdict = verdict.Verdict()
	if verdict.Passes {
		return chunk, nil
	}

	// 质量不足：重新生成一次，二次结果择优保留
	log.Info("chunk under quality threshold, regenerating",
		"chunk_index", section.Index,
		"word_count", verdict.WordCount,
		"target_words", section.TargetWordCount,
	)
	retried, err := o.generator.GenerateChunk(ctx, req)
	if err != nil {
		// 重试失败时保留首次结果，宁缺毋失
		log.Warn("chunk regeneration failed, keeping first result", "chunk_index", section.Index, "error", err)
		return chunk, nil
	}

	retriedVerdict := o.validator.Validate(retried.Text, section.TargetWordCount, research, false)
	retried.Verdict = retriedVerdict.Verdict()
	if retriedVerdict.Passes || retried.WordCount > chunk.WordCount {
		return retried, nil
	}
	return chunk, nil
}

// complete 拼接成稿并落库；已完成的任务不会二次通知
func (o *Orchestrator) complete(ctx context.Context, job *entity.ScriptJob, chunks []*entity.ChunkResult, outline *entity.Outline, strategy ChunkStrategy) error {
	script := o.generator.Stitch(chunks)

	research, err := o.research.GetMetrics(ctx, job.ID)
	if err != nil {
		research = &entity.ResearchMetrics{}
	}
	docVerdict := o.validator.Validate(script, strategy.TotalTargetWords, research, false)

	// 长度与调研信号双双不足时以 partial 状态完成，已产出内容绝不丢弃
	partial := !docVerdict.Passes

	result := &entity.ScriptResult{
		Script:         script,
		TotalWordCount: docVerdict.WordCount,
		TargetWords:    strategy.TotalTargetWords,
		ChunkCount:     len(chunks),
		Chunks:         dereferenceChunks(chunks),
		Outline:        outline,
		QualityRatio:   docVerdict.PercentComplete / 100,
		QualityBypass:  docVerdict.BypassReason != "",
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternalError, "failed to marshal result")
	}

	// mark-completed 前重读状态：完结或取消后不再写结果、不再通知
	current, err := o.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to reload job")
	}
	if current == nil || current.Status.IsTerminal() {
		if current != nil && current.Status == entity.JobStatusCancelled {
			o.savePartial(ctx, job.ID, chunks, outline, strategy)
		}
		return nil
	}

	ok, err := o.jobs.SetResult(ctx, job.ID, resultJSON, partial)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to persist result")
	}
	if !ok {
		// 条件写落空：取消（或失败）在重读与落库之间先行生效
		latest, rerr := o.jobs.GetByID(ctx, job.ID)
		if rerr == nil && latest != nil && latest.Status == entity.JobStatusCancelled {
			o.savePartial(ctx, job.ID, chunks, outline, strategy)
		}
		return nil
	}

	metrics.ScriptJobsTotal.WithLabelValues(string(entity.JobStatusCompleted)).Inc()
	logger.FromContext(ctx).Info("script job completed",
		"job_id", job.ID,
		"word_count", docVerdict.WordCount,
		"chunk_count", len(chunks),
		"partial", partial,
	)

	o.dispatcher.NotifyJobEvent(ctx, job.OwnerID, entity.EventScriptCompleted, job.ID, map[string]interface{}{
		"word_count":  docVerdict.WordCount,
		"chunk_count": len(chunks),
		"partial":     partial,
	})
	return nil
}

// checkCancelled 步骤边界的取消检查：重读持久化状态
func (o *Orchestrator) checkCancelled(ctx context.Context, job *entity.ScriptJob) (bool, error) {
	current, err := o.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to reload job")
	}
	if current == nil {
		return true, nil
	}
	if current.Status == entity.JobStatusCancelled {
		logger.FromContext(ctx).Info("job cancelled, halting pipeline", "job_id", job.ID)
		return true, nil
	}
	// 其他终态同样停止
	return current.Status.IsTerminal(), nil
}

// savePartial 取消后保留部分稿；不改变终态
func (o *Orchestrator) savePartial(ctx context.Context, jobID string, chunks []*entity.ChunkResult, outline *entity.Outline, strategy ChunkStrategy) {
	if len(chunks) == 0 {
		return
	}
	log := logger.FromContext(ctx)

	current, err := o.jobs.GetByID(ctx, jobID)
	if err != nil || current == nil {
		return
	}
	if len(current.Result) > 0 {
		return
	}

	script := o.generator.Stitch(chunks)
	result := &entity.ScriptResult{
		Script:         script,
		TotalWordCount: len(strings.Fields(script)),
		TargetWords:    strategy.TotalTargetWords,
		ChunkCount:     len(chunks),
		Chunks:         dereferenceChunks(chunks),
		Outline:        outline,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return
	}

	current.Result = resultJSON
	current.PartialResult = true
	if err := o.jobs.Update(ctx, current); err != nil {
		log.Warn("failed to save partial result", "job_id", jobID, "error", err)
	}
}

// failJob 永久错误：立即置失败并通知
func (o *Orchestrator) failJob(ctx context.Context, job *entity.ScriptJob, appErr *apperrors.AppError) {
	log := logger.FromContext(ctx)

	ok, err := o.jobs.MarkFailedIfActive(ctx, job.ID, appErr.Error())
	if err != nil {
		log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		// 已先行完结（完成/取消），失败标记不生效
		return
	}

	metrics.ScriptJobsTotal.WithLabelValues(string(entity.JobStatusFailed)).Inc()
	log.Error("script job failed", "job_id", job.ID, "error", appErr)

	o.dispatcher.NotifyJobEvent(ctx, job.OwnerID, entity.EventScriptFailed, job.ID, map[string]string{
		"error": appErr.Message,
	})
}

// MarkFailedFromDLQ 消息进入死信队列时同步标记任务失败
func (o *Orchestrator) MarkFailedFromDLQ(ctx context.Context, jobID string, cause error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil || job == nil {
		return
	}
	if job.Status.IsTerminal() {
		return
	}
	o.failJob(ctx, job, apperrors.Wrap(cause, apperrors.CodeGenerationFailed, "job exhausted execution retries"))
}

// Cancel 取消任务。仅 pending/processing 可取消；协作式，边界生效。
func (o *Orchestrator) Cancel(ctx context.Context, ownerID, jobID string) (*entity.ScriptJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load job")
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, apperrors.ErrJobNotFound
	}

	if job.Status.IsTerminal() {
		return nil, apperrors.New(apperrors.CodeJobTerminal, "job already in terminal state").
			WithDetail(fmt.Sprintf("status is %s", job.Status))
	}

	// 条件写：只取消仍在进行中的行，避免覆盖快照读之后落地的完成/失败
	ok, err := o.jobs.CancelIfActive(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to cancel job")
	}
	if !ok {
		current, rerr := o.jobs.GetByID(ctx, jobID)
		status := job.Status
		if rerr == nil && current != nil {
			status = current.Status
		}
		return nil, apperrors.New(apperrors.CodeJobTerminal, "job already in terminal state").
			WithDetail(fmt.Sprintf("status is %s", status))
	}

	metrics.ScriptJobsTotal.WithLabelValues(string(entity.JobStatusCancelled)).Inc()
	logger.FromContext(ctx).Info("script job cancelled", "job_id", jobID)

	o.dispatcher.NotifyJobEvent(ctx, ownerID, entity.EventScriptCancelled, jobID, nil)

	current, err := o.jobs.GetByID(ctx, jobID)
	if err != nil || current == nil {
		job.Cancel()
		return job, nil
	}
	return current, nil
}

// GetStatus 非阻塞读取任务快照
func (o *Orchestrator) GetStatus(ctx context.Context, ownerID, jobID string) (*entity.ScriptJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to load job")
	}
	if job == nil || job.OwnerID != ownerID {
		return nil, apperrors.ErrJobNotFound
	}
	return job, nil
}

// List 分页列出归属者任务
func (o *Orchestrator) List(ctx context.Context, ownerID string, status entity.JobStatus, pagination repository.Pagination) (*repository.PagedResult[*entity.ScriptJob], error) {
	var filter *repository.JobFilter
	if status != "" {
		filter = &repository.JobFilter{Status: status}
	}
	result, err := o.jobs.ListByOwner(ctx, ownerID, filter, pagination)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to list jobs")
	}
	return result, nil
}

// resolveModel 模型档位映射到具体 provider/model；空档位走默认配置
func (o *Orchestrator) resolveModel(modelTier string) (provider string, model string) {
	if modelTier == "" {
		return "", ""
	}
	if p, ok := o.cfg.LLM.Providers[modelTier]; ok {
		return modelTier, p.Model
	}
	return "", ""
}

// isPermanent 永久错误立即失败，不再交给外层执行器重试
func isPermanent(appErr *apperrors.AppError) bool {
	switch appErr.Code {
	case apperrors.CodeInvalidParam,
		apperrors.CodeValidationFailed,
		apperrors.CodeEntitlementExceeded,
		apperrors.CodeInternalError:
		return true
	}
	return false
}

func dereferenceChunks(chunks []*entity.ChunkResult) []entity.ChunkResult {
	out := make([]entity.ChunkResult, 0, len(chunks))
	for _, c := range chunks {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}

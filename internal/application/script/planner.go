package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	workflowchain "scriptflow-api/internal/workflow/chain"
	wfmodel "scriptflow-api/internal/workflow/model"
	"scriptflow-api/internal/workflow/node"
	workflowport "scriptflow-api/internal/workflow/port"
	"scriptflow-api/pkg/logger"
	"scriptflow-api/pkg/metrics"
)

// PlanRequest 大纲规划请求
type PlanRequest struct {
	Topic        string
	VoiceProfile string
	Strategy     ChunkStrategy
	Provider     string
	Model        string
}

// Planner 大纲规划器：一次生成调用产出分段大纲，失败降级为程序化均分
type Planner struct {
	chain *workflowchain.OutlineChain
	cfg   config.OutlineConfig
}

// NewPlanner 创建大纲规划器
func NewPlanner(factory workflowport.ChatModelFactory, cfg config.OutlineConfig) *Planner {
	return &Planner{
		chain: workflowchain.NewOutlineChain(factory),
		cfg:   cfg,
	}
}

// Plan 规划大纲。校验失败时带强约束重新生成一次，仍失败则均分兜底。
func (p *Planner) Plan(ctx context.Context, req *PlanRequest) (*entity.Outline, error) {
	if req == nil {
		return nil, fmt.Errorf("plan request is nil")
	}
	log := logger.FromContext(ctx)

	outline, err := p.planOnce(ctx, req, "")
	if err == nil {
		if verr := p.validateOutline(outline, req.Strategy); verr == nil {
			p.normalizeTargets(outline, req.Strategy)
			return outline, nil
		} else {
			log.Warn("outline validation failed, regenerating", "error", verr)
		}
	} else {
		log.Warn("outline generation failed, regenerating", "error", err)
	}

	// 带显式“要点不得跨分段重复”约束重试一次
	outline, err = p.planOnce(ctx, req, "注意：此前的规划存在分段数错误或内容要点跨段重复。各分段的内容要点必须互不重复，分段数量必须严格等于给定值。")
	if err == nil {
		if verr := p.validateOutline(outline, req.Strategy); verr == nil {
			p.normalizeTargets(outline, req.Strategy)
			return outline, nil
		} else {
			log.Warn("regenerated outline still invalid, falling back to even split", "error", verr)
		}
	} else {
		log.Warn("outline regeneration failed, falling back to even split", "error", err)
	}

	// 降级路径：可用优先于完美
	metrics.OutlineFallbackTotal.Inc()
	return p.evenSplitFallback(req.Strategy), nil
}

// planOnce 单次规划调用
func (p *Planner) planOnce(ctx context.Context, req *PlanRequest, strictNote string) (*entity.Outline, error) {
	msg, err := p.chain.Invoke(ctx, &wfmodel.OutlineGenerateInput{
		Topic:        req.Topic,
		VoiceProfile: req.VoiceProfile,
		TotalWords:   req.Strategy.TotalTargetWords,
		ChunkCount:   req.Strategy.ChunkCount,
		RegularWords: req.Strategy.WordsPerChunk,
		FinalWords:   req.Strategy.FinalChunkWords(),
		StrictNote:   strictNote,
		Provider:     req.Provider,
		Model:        req.Model,
	})
	if err != nil {
		return nil, err
	}

	return parseOutline(msg.Content)
}

// parseOutline 解析模型输出的大纲 JSON
func parseOutline(raw string) (*entity.Outline, error) {
	extracted := node.ExtractJSONObject(raw)
	if strings.TrimSpace(extracted) == "" {
		return nil, fmt.Errorf("empty outline response")
	}

	var outline entity.Outline
	if err := json.Unmarshal([]byte(extracted), &outline); err != nil {
		return nil, fmt.Errorf("failed to parse outline json: %w", err)
	}
	if len(outline.Sections) == 0 {
		return nil, fmt.Errorf("outline has no sections")
	}

	// 角色归一化，索引按出现顺序重排保证连续
	for i := range outline.Sections {
		outline.Sections[i].Index = i
		outline.Sections[i].Role = normalizeRole(outline.Sections[i].Role)
	}
	return &outline, nil
}

func normalizeRole(role entity.NarrativeRole) entity.NarrativeRole {
	switch entity.NarrativeRole(strings.ToLower(strings.TrimSpace(string(role)))) {
	case entity.RoleHook:
		return entity.RoleHook
	case entity.RoleClimax:
		return entity.RoleClimax
	case entity.RoleCallToAction, "cta":
		return entity.RoleCallToAction
	default:
		return entity.RoleBody
	}
}

// validateOutline 校验分段数与内容要点的严格划分
func (p *Planner) validateOutline(outline *entity.Outline, strategy ChunkStrategy) error {
	if outline.SectionCount() != strategy.ChunkCount {
		return fmt.Errorf("section count %d does not match chunk count %d", outline.SectionCount(), strategy.ChunkCount)
	}

	// 任意两个要点相似度超过阈值即视为跨段重复
	points := outline.AllContentPoints()
	for i := 0; i < len(points); i++ {
		for j := i + 1; j < len(points); j++ {
			if tokenSimilarity(points[i].Text, points[j].Text) > p.cfg.SimilarityThreshold {
				return fmt.Errorf("content points overlap: %q vs %q", points[i].Text, points[j].Text)
			}
		}
	}
	return nil
}

// normalizeTargets 分段目标字数之和偏离容差时，用策略预算覆盖模型给出的字数
func (p *Planner) normalizeTargets(outline *entity.Outline, strategy ChunkStrategy) {
	total := strategy.TotalTargetWords
	sum := outline.TotalTargetWords()

	tolerance := p.cfg.WordTolerance
	if tolerance <= 0 {
		tolerance = 0.1
	}

	withinTolerance := float64(sum) >= float64(total)*(1-tolerance) &&
		float64(sum) <= float64(total)*(1+tolerance)
	if withinTolerance {
		hasInvalid := false
		for i := range outline.Sections {
			if outline.Sections[i].TargetWordCount <= 0 {
				hasInvalid = true
				break
			}
		}
		if !hasInvalid {
			return
		}
	}

	for i := range outline.Sections {
		if i == len(outline.Sections)-1 {
			outline.Sections[i].TargetWordCount = strategy.FinalChunkWords()
		} else {
			outline.Sections[i].TargetWordCount = strategy.WordsPerChunk
		}
	}
}

// tokenSimilarity 词项 Jaccard 相似度
func tokenSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// evenSplitFallback 程序化均分兜底：只有角色标签，不分配内容要点
func (p *Planner) evenSplitFallback(strategy ChunkStrategy) *entity.Outline {
	sections := make([]entity.OutlineSection, strategy.ChunkCount)
	for i := range sections {
		words := strategy.WordsPerChunk
		if i == strategy.ChunkCount-1 {
			words = strategy.FinalChunkWords()
		}
		sections[i] = entity.OutlineSection{
			Index:           i,
			Title:           fmt.Sprintf("Part %d", i+1),
			Role:            fallbackRole(i, strategy.ChunkCount),
			TargetWordCount: words,
		}
	}
	return &entity.Outline{
		Sections: sections,
		Fallback: true,
	}
}

func fallbackRole(index, total int) entity.NarrativeRole {
	switch {
	case index == 0:
		return entity.RoleHook
	case index == total-1:
		return entity.RoleCallToAction
	case index == total-2 && total >= 4:
		return entity.RoleClimax
	default:
		return entity.RoleBody
	}
}

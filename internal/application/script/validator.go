package script

import (
	"strings"

	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	"scriptflow-api/internal/workflow/node"
	"scriptflow-api/pkg/metrics"
)

// ValidationResult 质量校验结论
type ValidationResult struct {
	Passes          bool    `json:"passes"`
	WordCount       int     `json:"word_count"`
	PercentComplete float64 `json:"percent_complete"`
	BypassReason    string  `json:"bypass_reason,omitempty"`
	ShouldRetry     bool    `json:"should_retry"`
}

// Validator 质量校验器：长度达标或调研信号达标二者其一即通过
type Validator struct {
	cfg config.QualityConfig
}

// NewValidator 创建质量校验器
func NewValidator(cfg config.QualityConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate 校验生成文本。retryBudgetLeft 表示是否还有重试额度。
func (v *Validator) Validate(text string, targetWords int, research *entity.ResearchMetrics, retryBudgetLeft bool) ValidationResult {
	wordCount := node.CountWords(text)

	result := ValidationResult{
		WordCount: wordCount,
	}
	if targetWords > 0 {
		result.PercentComplete = float64(wordCount) / float64(targetWords) * 100
	}

	// 长度门槛
	if result.PercentComplete >= v.cfg.BypassThreshold*100 {
		result.Passes = true
		metrics.ValidationTotal.WithLabelValues("accept").Inc()
		return result
	}

	// 调研信号旁路：来源充分的短稿不因长度被扣下
	if research != nil &&
		research.VerifiedSources >= v.cfg.MinVerifiedSources &&
		research.StarredSources >= v.cfg.MinStarredSources &&
		research.ResearchRatio >= v.cfg.MinResearchRatio {
		result.Passes = true
		result.BypassReason = "research_quality"
		metrics.ValidationTotal.WithLabelValues("rescue").Inc()
		return result
	}

	result.ShouldRetry = retryBudgetLeft
	if result.ShouldRetry {
		metrics.ValidationTotal.WithLabelValues("retry").Inc()
	} else {
		metrics.ValidationTotal.WithLabelValues("fail").Inc()
	}
	return result
}

// Verdict 将校验结论映射为分块结论
func (r ValidationResult) Verdict() entity.ChunkVerdict {
	switch {
	case r.Passes && r.BypassReason != "":
		return entity.VerdictRescue
	case r.Passes:
		return entity.VerdictAccept
	case r.ShouldRetry:
		return entity.VerdictRetry
	default:
		return entity.VerdictFail
	}
}

// IsEmpty 判断文本是否实质为空
func IsEmpty(text string) bool {
	return strings.TrimSpace(text) == ""
}

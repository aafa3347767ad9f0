package script

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
)

func defaultQualityConfig() config.QualityConfig {
	return config.QualityConfig{
		BypassThreshold:    0.80,
		MinVerifiedSources: 10,
		MinStarredSources:  3,
		MinResearchRatio:   1.0,
	}
}

func wordsOf(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestValidator_LengthGate(t *testing.T) {
	v := NewValidator(defaultQualityConfig())

	tests := []struct {
		name        string
		words       int
		target      int
		wantPasses  bool
		wantRetry   bool
	}{
		{"刚好达到门槛", 800, 1000, true, false},
		{"超出目标", 1200, 1000, true, false},
		{"略低于门槛", 799, 1000, false, true},
		{"明显不足", 400, 1000, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(wordsOf(tt.words), tt.target, nil, true)
			assert.Equal(t, tt.wantPasses, got.Passes)
			assert.Equal(t, tt.wantRetry, got.ShouldRetry)
			assert.Equal(t, tt.words, got.WordCount)
			assert.Empty(t, got.BypassReason)
		})
	}
}

func TestValidator_ResearchBypass(t *testing.T) {
	v := NewValidator(defaultQualityConfig())

	// 长度不达标但调研信号充分，旁路通过
	research := &entity.ResearchMetrics{
		VerifiedSources: 16,
		StarredSources:  6,
		ResearchRatio:   1.2,
	}
	got := v.Validate(wordsOf(700), 1000, research, true)
	assert.True(t, got.Passes)
	assert.Equal(t, "research_quality", got.BypassReason)
	assert.Equal(t, entity.VerdictRescue, got.Verdict())

	// 任一信号不足则不旁路
	weak := &entity.ResearchMetrics{
		VerifiedSources: 16,
		StarredSources:  2,
		ResearchRatio:   1.2,
	}
	got = v.Validate(wordsOf(700), 1000, weak, true)
	assert.False(t, got.Passes)
	assert.True(t, got.ShouldRetry)

	// 长度已达标时不需要旁路
	got = v.Validate(wordsOf(890), 1000, research, true)
	assert.True(t, got.Passes)
	assert.Empty(t, got.BypassReason)
	assert.Equal(t, entity.VerdictAccept, got.Verdict())
}

func TestValidator_RetryBudget(t *testing.T) {
	v := NewValidator(defaultQualityConfig())

	got := v.Validate(wordsOf(100), 1000, nil, true)
	assert.False(t, got.Passes)
	assert.True(t, got.ShouldRetry)
	assert.Equal(t, entity.VerdictRetry, got.Verdict())

	// 额度耗尽时不再建议重试
	got = v.Validate(wordsOf(100), 1000, nil, false)
	assert.False(t, got.Passes)
	assert.False(t, got.ShouldRetry)
	assert.Equal(t, entity.VerdictFail, got.Verdict())
}

func TestValidator_ZeroMetricsNoBypass(t *testing.T) {
	v := NewValidator(defaultQualityConfig())

	// 调研信号缺失等同零值，不触发旁路
	got := v.Validate(wordsOf(500), 1000, &entity.ResearchMetrics{}, false)
	assert.False(t, got.Passes)
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(""))
	assert.True(t, IsEmpty("   \n\t "))
	assert.False(t, IsEmpty("text"))
}

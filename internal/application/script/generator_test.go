package script

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"scriptflow-api/internal/domain/entity"
)

func TestStitch_OrderPreserved(t *testing.T) {
	g := &Generator{}

	chunks := []*entity.ChunkResult{
		{Index: 0, Text: "first part content."},
		{Index: 1, Text: "second part content."},
		{Index: 2, Text: "third part content."},
	}

	got := g.Stitch(chunks)
	parts := strings.Split(got, "\n\n")
	assert.Equal(t, []string{
		"first part content.",
		"second part content.",
		"third part content.",
	}, parts)
}

func TestStitch_Empty(t *testing.T) {
	g := &Generator{}
	assert.Equal(t, "", g.Stitch(nil))
	assert.Equal(t, "", g.Stitch([]*entity.ChunkResult{}))
}

func TestStitch_SkipsNilChunks(t *testing.T) {
	g := &Generator{}
	chunks := []*entity.ChunkResult{
		{Index: 0, Text: "alpha."},
		nil,
		{Index: 2, Text: "omega."},
	}
	assert.Equal(t, "alpha.\n\nomega.", g.Stitch(chunks))
}

func TestStitch_TrimsSeamDuplicate(t *testing.T) {
	g := &Generator{}

	chunks := []*entity.ChunkResult{
		{
			Index:       0,
			Text:        "The ancient library held many secrets in its vaults.",
			TailOverlap: "the ancient library held many secrets in its vaults",
		},
		{
			Index: 1,
			Text:  "The ancient library held many secrets in its vaults. Scholars traveled from distant lands to study them.",
		},
	}

	got := g.Stitch(chunks)
	assert.Equal(t,
		"The ancient library held many secrets in its vaults.\n\nScholars traveled from distant lands to study them.",
		got)
}

func TestTrimSeamDuplicate(t *testing.T) {
	tail := "the storm gathered over the northern mountains that evening"

	// 开头复述被裁剪
	got := trimSeamDuplicate(tail,
		"The storm gathered over the northern mountains that evening. Villagers rushed to secure their boats.")
	assert.Equal(t, "Villagers rushed to secure their boats.", got)

	// 无重叠保持原文
	original := "A completely unrelated opening sentence. More text follows."
	assert.Equal(t, original, trimSeamDuplicate(tail, original))

	// 空重叠片段保持原文
	assert.Equal(t, "Anything at all.", trimSeamDuplicate("", "Anything at all."))

	// 最多裁剪两句
	triple := "The storm gathered over the northern mountains. The storm gathered that evening over mountains. The northern storm that evening gathered. Fresh content begins here."
	got = trimSeamDuplicate(tail, triple)
	assert.True(t, strings.HasPrefix(got, "The northern storm"), "got: %s", got)
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "英文句读",
			in:   "First sentence. Second one! Third?",
			want: []string{"First sentence.", "Second one!", "Third?"},
		},
		{
			name: "中文句读",
			in:   "第一句。第二句！第三句？",
			want: []string{"第一句。", "第二句！", "第三句？"},
		},
		{
			name: "无终结符的尾部保留",
			in:   "Complete sentence. trailing fragment",
			want: []string{"Complete sentence.", "trailing fragment"},
		},
		{
			name: "空输入",
			in:   "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitSentences(tt.in))
		})
	}
}

func TestTokenOverlapRatio(t *testing.T) {
	tailSet := tokenSet("alpha beta gamma delta")

	assert.Equal(t, 1.0, tokenOverlapRatio("Alpha beta, gamma delta!", tailSet))
	assert.Equal(t, 0.0, tokenOverlapRatio("epsilon zeta", tailSet))
	assert.Equal(t, 0.0, tokenOverlapRatio("", tailSet))
	assert.InDelta(t, 0.5, tokenOverlapRatio("alpha beta unknown words", tailSet), 1e-9)
}

func TestChunkMaxTokens(t *testing.T) {
	// 按字数预算换算并留出余量；无预算时走保守默认值
	assert.Equal(t, 3250, chunkMaxTokens(1625))
	assert.Equal(t, 1024, chunkMaxTokens(0))
	assert.Equal(t, 1024, chunkMaxTokens(-5))
}

func TestIsRetryableChunkError(t *testing.T) {
	assert.True(t, isRetryableChunkError(errEmptyChunk))
	assert.True(t, isRetryableChunkError(fmt.Errorf("invoke: %w", errEmptyChunk)))
	assert.True(t, isRetryableChunkError(errors.New("status code: 429, too many requests")))
	assert.True(t, isRetryableChunkError(errors.New("dial tcp: connection refused")))

	// 永久错误不进入重试，避免白烧调用额度
	assert.False(t, isRetryableChunkError(errors.New("invalid api key")))
	assert.False(t, isRetryableChunkError(errors.New("context length exceeded")))
}

package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"scriptflow-api/internal/config"
	"scriptflow-api/internal/domain/entity"
	workflowchain "scriptflow-api/internal/workflow/chain"
	wfmodel "scriptflow-api/internal/workflow/model"
	"scriptflow-api/internal/workflow/node"
	workflowport "scriptflow-api/internal/workflow/port"
	"scriptflow-api/pkg/logger"
	"scriptflow-api/pkg/metrics"
)

// GenerateRequest 单分块生成请求
type GenerateRequest struct {
	Topic        string
	VoiceProfile string
	Section      entity.OutlineSection
	PreviousTail string
	ChunkTotal   int
	Provider     string
	Model        string
	ModelTier    string
}

// Generator 分块生成器：逐段调用生成服务并拼接成稿
type Generator struct {
	chain *workflowchain.ChunkChain
	cfg   config.ScriptConfig
}

// NewGenerator 创建分块生成器
func NewGenerator(factory workflowport.ChatModelFactory, cfg config.ScriptConfig) *Generator {
	return &Generator{
		chain: workflowchain.NewChunkChain(factory),
		cfg:   cfg,
	}
}

// errEmptyChunk 模型返回空内容，按瞬态故障处理
var errEmptyChunk = errors.New("empty chunk content")

// isRetryableChunkError 生成调用的重试准入：空内容或瞬态模型故障
func isRetryableChunkError(err error) bool {
	return errors.Is(err, errEmptyChunk) || node.IsTransientLLMError(err)
}

// chunkMaxTokens 按分块字数预算换算生成上限，留出词转 token 的余量
func chunkMaxTokens(targetWords int) int {
	if targetWords <= 0 {
		return 1024
	}
	return targetWords * 2
}

// GenerateChunk 生成单个分块。瞬态错误带退避重试一次，成本有界。
func (g *Generator) GenerateChunk(ctx context.Context, req *GenerateRequest) (*entity.ChunkResult, error) {
	if req == nil {
		return nil, fmt.Errorf("generate request is nil")
	}

	points := make([]string, 0, len(req.Section.ContentPoints))
	for _, p := range req.Section.ContentPoints {
		points = append(points, p.Text)
	}

	maxTokens := chunkMaxTokens(req.Section.TargetWordCount)
	in := &wfmodel.ChunkGenerateInput{
		Topic:           req.Topic,
		VoiceProfile:    req.VoiceProfile,
		SectionTitle:    req.Section.Title,
		SectionRole:     string(req.Section.Role),
		ContentPoints:   points,
		PrevTail:        req.PreviousTail,
		TargetWordCount: req.Section.TargetWordCount,
		ChunkIndex:      req.Section.Index,
		ChunkTotal:      req.ChunkTotal,
		Provider:        req.Provider,
		Model:           req.Model,
		MaxTokens:       &maxTokens,
	}

	start := time.Now()
	attempts := 0
	var outMsg *wfmodel.ChunkGenerateOutput

	err := retry.Do(
		func() error {
			attempts++
			callStart := time.Now()
			msg, err := g.chain.Invoke(ctx, in)
			metrics.LLMCallDuration.WithLabelValues(req.Provider, req.Model).Observe(time.Since(callStart).Seconds())
			if err != nil {
				metrics.LLMCallTotal.WithLabelValues(req.Provider, req.Model, "error").Inc()
				return err
			}
			metrics.LLMCallTotal.WithLabelValues(req.Provider, req.Model, "ok").Inc()

			content := strings.TrimSpace(msg.Content)
			if content == "" {
				return errEmptyChunk
			}

			out := &wfmodel.ChunkGenerateOutput{
				Content: content,
				Meta: wfmodel.LLMUsageMeta{
					Provider:    req.Provider,
					Model:       req.Model,
					GeneratedAt: time.Now().UTC(),
				},
			}
			if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
				out.Meta.PromptTokens = msg.ResponseMeta.Usage.PromptTokens
				out.Meta.CompletionTokens = msg.ResponseMeta.Usage.CompletionTokens
			}
			outMsg = out
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(g.cfg.ChunkRetryLimit+1)),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		// 只重试瞬态故障；无效参数等永久错误立即返回
		retry.RetryIf(isRetryableChunkError),
		retry.OnRetry(func(n uint, err error) {
			logger.FromContext(ctx).Warn("chunk generation retrying",
				"chunk_index", req.Section.Index,
				"attempt", n+1,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chunk %d generation failed: %w", req.Section.Index, err)
	}

	metrics.ChunkGenerationDuration.WithLabelValues(req.ModelTier).Observe(time.Since(start).Seconds())
	metrics.LLMTokensUsed.WithLabelValues(req.Provider, req.Model, "prompt").Add(float64(outMsg.Meta.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(req.Provider, req.Model, "completion").Add(float64(outMsg.Meta.CompletionTokens))

	wordCount := node.CountWords(outMsg.Content)
	metrics.ChunkWordCount.WithLabelValues(req.ModelTier).Observe(float64(wordCount))

	return &entity.ChunkResult{
		Index:       req.Section.Index,
		Text:        outMsg.Content,
		WordCount:   wordCount,
		TargetWords: req.Section.TargetWordCount,
		TailOverlap: node.TailWords(outMsg.Content, g.cfg.OverlapWords),
		Usage: entity.LLMUsageMeta{
			Model:            outMsg.Meta.Model,
			PromptTokens:     outMsg.Meta.PromptTokens,
			CompletionTokens: outMsg.Meta.CompletionTokens,
			Attempts:         attempts,
		},
	}, nil
}

// Stitch 按大纲顺序拼接已接受的分块，并裁剪接缝处重复句子。
// 拼接绝不重排分块。
func (g *Generator) Stitch(chunks []*entity.ChunkResult) string {
	if len(chunks) == 0 {
		return ""
	}

	parts := make([]string, 0, len(chunks))
	var prevTail string
	for _, chunk := range chunks {
		if chunk == nil {
			continue
		}
		text := chunk.Text
		if prevTail != "" {
			text = trimSeamDuplicate(prevTail, text)
		}
		parts = append(parts, strings.TrimSpace(text))
		prevTail = chunk.TailOverlap
	}
	return strings.Join(parts, "\n\n")
}

// trimSeamDuplicate 裁剪分块开头复述的上段重叠内容：
// 逐句比对开头句子与上段结尾的重叠片段，近重复则丢弃。
func trimSeamDuplicate(prevTail, text string) string {
	tailSet := tokenSet(prevTail)
	if len(tailSet) == 0 {
		return text
	}

	sentences := splitSentences(text)
	drop := 0
	for _, sentence := range sentences {
		// 只检查接缝附近，最多丢弃前两句
		if drop >= 2 {
			break
		}
		if tokenOverlapRatio(sentence, tailSet) >= 0.7 {
			drop++
			continue
		}
		break
	}
	if drop == 0 {
		return text
	}

	remaining := sentences[drop:]
	return strings.TrimSpace(strings.Join(remaining, " "))
}

// splitSentences 粗粒度分句，支持中英句读
func splitSentences(s string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range s {
		b.WriteRune(r)
		switch r {
		case '.', '!', '?', '。', '！', '？':
			if sentence := strings.TrimSpace(b.String()); sentence != "" {
				sentences = append(sentences, sentence)
			}
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}

// tokenOverlapRatio 句子词项落入重叠片段词集的比例
func tokenOverlapRatio(sentence string, tailSet map[string]struct{}) float64 {
	tokens := tokenSet(sentence)
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for tok := range tokens {
		if _, ok := tailSet[tok]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

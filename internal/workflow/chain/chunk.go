package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	llmctx "scriptflow-api/internal/domain/service"
	wfmodel "scriptflow-api/internal/workflow/model"
	workflowport "scriptflow-api/internal/workflow/port"
	workflowprompt "scriptflow-api/internal/workflow/prompt"
)

type ChunkChain struct {
	factory workflowport.ChatModelFactory
}

func NewChunkChain(factory workflowport.ChatModelFactory) *ChunkChain {
	return &ChunkChain{factory: factory}
}

func (c *ChunkChain) Invoke(ctx context.Context, in *wfmodel.ChunkGenerateInput) (*schema.Message, error) {
	if c == nil || c.factory == nil {
		return nil, fmt.Errorf("llm factory not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}
	if strings.TrimSpace(in.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if in.TargetWordCount <= 0 {
		return nil, fmt.Errorf("target_word_count is required")
	}

	ctx = llmctx.WithWorkflowProvider(ctx, "chunk_generate", strings.TrimSpace(in.Provider))
	chatModel, err := c.factory.Get(ctx, strings.TrimSpace(in.Provider))
	if err != nil {
		return nil, err
	}

	msgs, err := formatChunkMessages(ctx, in)
	if err != nil {
		return nil, err
	}

	outMsg, err := chatModel.Generate(ctx, msgs, buildChunkModelOptions(in)...)
	if err != nil {
		return nil, err
	}
	if outMsg == nil {
		return nil, fmt.Errorf("empty llm response")
	}
	return outMsg, nil
}

var chunkPromptRegistry = workflowprompt.NewRegistry()

func formatChunkMessages(ctx context.Context, in *wfmodel.ChunkGenerateInput) ([]*schema.Message, error) {
	tpl, err := chunkPromptRegistry.ChatTemplate(workflowprompt.PromptChunkGenV1)
	if err != nil {
		return nil, err
	}

	points := make([]string, 0, len(in.ContentPoints))
	for _, p := range in.ContentPoints {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		points = append(points, "- "+p)
	}

	vars := map[string]any{
		"topic":             strings.TrimSpace(in.Topic),
		"voice_profile":     strings.TrimSpace(in.VoiceProfile),
		"chunk_index":       in.ChunkIndex + 1,
		"chunk_total":       in.ChunkTotal,
		"section_title":     strings.TrimSpace(in.SectionTitle),
		"section_role":      strings.TrimSpace(in.SectionRole),
		"target_word_count": in.TargetWordCount,
		"content_points":    strings.Join(points, "\n"),
		"prev_tail":         strings.TrimSpace(in.PrevTail),
	}
	return tpl.Format(ctx, vars)
}

func buildChunkModelOptions(in *wfmodel.ChunkGenerateInput) []model.Option {
	opts := make([]model.Option, 0, 2)
	if in == nil {
		return opts
	}
	if in.MaxTokens != nil {
		opts = append(opts, model.WithMaxTokens(*in.MaxTokens))
	}
	if strings.TrimSpace(in.Model) != "" {
		opts = append(opts, model.WithModel(strings.TrimSpace(in.Model)))
	}
	return opts
}

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

type OutlineChain struct {
	factory workflowport.ChatModelFactory
}

func NewOutlineChain(factory workflowport.ChatModelFactory) *OutlineChain {
	return &OutlineChain{factory: factory}
}

func (c *OutlineChain) Invoke(ctx context.Context, in *wfmodel.OutlineGenerateInput) (*schema.Message, error) {
	if c == nil || c.factory == nil {
		return nil, fmt.Errorf("llm factory not configured")
	}
	if in == nil {
		return nil, fmt.Errorf("input is nil")
	}
	if strings.TrimSpace(in.Topic) == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if in.ChunkCount <= 0 {
		return nil, fmt.Errorf("chunk_count is required")
	}
	if in.TotalWords <= 0 {
		return nil, fmt.Errorf("total_words is required")
	}

	ctx = llmctx.WithWorkflowProvider(ctx, "outline_plan", strings.TrimSpace(in.Provider))
	chatModel, err := c.factory.Get(ctx, strings.TrimSpace(in.Provider))
	if err != nil {
		return nil, err
	}

	msgs, err := formatOutlineMessages(ctx, in)
	if err != nil {
		return nil, err
	}

	outMsg, err := chatModel.Generate(ctx, msgs, buildOutlineModelOptions(in)...)
	if err != nil {
		return nil, err
	}
	if outMsg == nil {
		return nil, fmt.Errorf("empty llm response")
	}
	return outMsg, nil
}

var outlinePromptRegistry = workflowprompt.NewRegistry()

func formatOutlineMessages(ctx context.Context, in *wfmodel.OutlineGenerateInput) ([]*schema.Message, error) {
	tpl, err := outlinePromptRegistry.ChatTemplate(workflowprompt.PromptOutlinePlanV1)
	if err != nil {
		return nil, err
	}
	vars := map[string]any{
		"topic":         strings.TrimSpace(in.Topic),
		"voice_profile": strings.TrimSpace(in.VoiceProfile),
		"total_words":   in.TotalWords,
		"chunk_count":   in.ChunkCount,
		"regular_words": in.RegularWords,
		"final_words":   in.FinalWords,
		"strict_note":   strings.TrimSpace(in.StrictNote),
	}
	return tpl.Format(ctx, vars)
}

func buildOutlineModelOptions(in *wfmodel.OutlineGenerateInput) []model.Option {
	opts := make([]model.Option, 0, 1)
	if in == nil {
		return opts
	}
	if strings.TrimSpace(in.Model) != "" {
		opts = append(opts, model.WithModel(strings.TrimSpace(in.Model)))
	}
	return opts
}

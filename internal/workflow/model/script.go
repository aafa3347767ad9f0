package model

// OutlineGenerateInput 大纲规划输入
type OutlineGenerateInput struct {
	Topic        string
	VoiceProfile string

	TotalWords   int
	ChunkCount   int
	RegularWords int
	FinalWords   int

	// StrictNote 重新规划时附加的约束说明，首次为空
	StrictNote string

	Provider string
	Model    string
}

// OutlineGenerateOutput 大纲规划输出
type OutlineGenerateOutput struct {
	Raw  string
	Meta LLMUsageMeta
}

// ChunkGenerateInput 分块生成输入
type ChunkGenerateInput struct {
	Topic        string
	VoiceProfile string

	SectionTitle  string
	SectionRole   string
	ContentPoints []string

	// PrevTail 上一分块结尾的重叠片段，首块为空
	PrevTail        string
	TargetWordCount int
	ChunkIndex      int
	ChunkTotal      int

	Provider string
	Model    string

	// MaxTokens 生成上限，由分块字数预算换算而来
	MaxTokens *int
}

// ChunkGenerateOutput 分块生成输出
type ChunkGenerateOutput struct {
	Content string
	Meta    LLMUsageMeta
}

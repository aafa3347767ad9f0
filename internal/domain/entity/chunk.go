package entity

// ChunkVerdict 分块校验结论
type ChunkVerdict string

const (
	VerdictAccept ChunkVerdict = "accept"
	VerdictRetry  ChunkVerdict = "retry"
	VerdictRescue ChunkVerdict = "rescue"
	VerdictFail   ChunkVerdict = "fail"
)

// LLMUsageMeta 模型调用用量元数据
type LLMUsageMeta struct {
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Attempts         int    `json:"attempts"`
}

// ChunkResult 单个分块的生成结果
type ChunkResult struct {
	Index       int          `json:"index"`
	Text        string       `json:"text"`
	WordCount   int          `json:"word_count"`
	TargetWords int          `json:"target_words"`
	Verdict     ChunkVerdict `json:"verdict"`
	// TailOverlap 供下一分块衔接的结尾重叠片段
	TailOverlap string       `json:"tail_overlap,omitempty"`
	Usage       LLMUsageMeta `json:"usage"`
}

// ResearchMetrics 资料调研信号，来自上游检索流程
type ResearchMetrics struct {
	VerifiedSources int     `json:"verified_sources"`
	StarredSources  int     `json:"starred_sources"`
	ResearchRatio   float64 `json:"research_ratio"`
}

// ScriptResult 最终拼接成稿
type ScriptResult struct {
	Script         string        `json:"script"`
	TotalWordCount int           `json:"total_word_count"`
	TargetWords    int           `json:"target_words"`
	ChunkCount     int           `json:"chunk_count"`
	Chunks         []ChunkResult `json:"chunks,omitempty"`
	Outline        *Outline      `json:"outline,omitempty"`
	QualityRatio   float64       `json:"quality_ratio"`
	QualityBypass  bool          `json:"quality_bypass,omitempty"`
}

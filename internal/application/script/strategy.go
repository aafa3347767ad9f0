// Package script 实现长文脚本生成管线
package script

import "math"

// ChunkStrategy 分块策略：由目标时长推导出的字数与分块预算
type ChunkStrategy struct {
	TotalTargetWords int `json:"total_target_words"`
	ChunkCount       int `json:"chunk_count"`
	WordsPerChunk    int `json:"words_per_chunk"`
	MinWordsPerChunk int `json:"min_words_per_chunk"`
}

// ComputeStrategy 计算分块策略。纯函数，无 I/O。
// 不变式：分块数至少为 1；各分块预算之和不少于总目标字数。
func ComputeStrategy(targetDurationMinutes, wordsPerMinute, idealChunkWordSize int, qualityBypassThreshold float64) ChunkStrategy {
	totalTargetWords := targetDurationMinutes * wordsPerMinute

	chunkCount := int(math.Ceil(float64(totalTargetWords) / float64(idealChunkWordSize)))
	if chunkCount < 1 {
		chunkCount = 1
	}

	wordsPerChunk := int(math.Ceil(float64(totalTargetWords) / float64(chunkCount)))
	minWordsPerChunk := int(math.Ceil(float64(wordsPerChunk) * qualityBypassThreshold))

	return ChunkStrategy{
		TotalTargetWords: totalTargetWords,
		ChunkCount:       chunkCount,
		WordsPerChunk:    wordsPerChunk,
		MinWordsPerChunk: minWordsPerChunk,
	}
}

// FinalChunkWords 最后一段的目标字数：总字数减去常规分段预算后的余量。
// 余量不足常规预算一半时仍保持常规预算，避免产出过短的收尾段。
func (s ChunkStrategy) FinalChunkWords() int {
	if s.ChunkCount <= 1 {
		return s.TotalTargetWords
	}
	remainder := s.TotalTargetWords - s.WordsPerChunk*(s.ChunkCount-1)
	if remainder < s.WordsPerChunk/2 {
		return s.WordsPerChunk
	}
	return remainder
}

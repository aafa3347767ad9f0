package script

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeStrategy(t *testing.T) {
	tests := []struct {
		name             string
		durationMinutes  int
		wordsPerMinute   int
		idealChunkSize   int
		bypassThreshold  float64
		wantTotalWords   int
		wantChunkCount   int
		wantWordsPer     int
		wantMinWordsPer  int
	}{
		{
			name:            "25分钟标准配置",
			durationMinutes: 25,
			wordsPerMinute:  130,
			idealChunkSize:  1900,
			bypassThreshold: 0.80,
			wantTotalWords:  3250,
			wantChunkCount:  2,
			wantWordsPer:    1625,
			wantMinWordsPer: 1300,
		},
		{
			name:            "短时长收敛为单块",
			durationMinutes: 5,
			wordsPerMinute:  130,
			idealChunkSize:  1900,
			bypassThreshold: 0.80,
			wantTotalWords:  650,
			wantChunkCount:  1,
			wantWordsPer:    650,
			wantMinWordsPer: 520,
		},
		{
			name:            "整除边界",
			durationMinutes: 38,
			wordsPerMinute:  100,
			idealChunkSize:  1900,
			bypassThreshold: 0.80,
			wantTotalWords:  3800,
			wantChunkCount:  2,
			wantWordsPer:    1900,
			wantMinWordsPer: 1520,
		},
		{
			name:            "长时长多分块",
			durationMinutes: 60,
			wordsPerMinute:  130,
			idealChunkSize:  1900,
			bypassThreshold: 0.80,
			wantTotalWords:  7800,
			wantChunkCount:  5,
			wantWordsPer:    1560,
			wantMinWordsPer: 1248,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeStrategy(tt.durationMinutes, tt.wordsPerMinute, tt.idealChunkSize, tt.bypassThreshold)
			assert.Equal(t, tt.wantTotalWords, got.TotalTargetWords)
			assert.Equal(t, tt.wantChunkCount, got.ChunkCount)
			assert.Equal(t, tt.wantWordsPer, got.WordsPerChunk)
			assert.Equal(t, tt.wantMinWordsPer, got.MinWordsPerChunk)
		})
	}
}

func TestComputeStrategy_Invariants(t *testing.T) {
	// 分块预算之和永远覆盖总目标字数
	for duration := 1; duration <= 120; duration++ {
		s := ComputeStrategy(duration, 130, 1900, 0.80)

		assert.GreaterOrEqual(t, s.ChunkCount, 1, "duration=%d", duration)
		assert.GreaterOrEqual(t, s.WordsPerChunk*s.ChunkCount, s.TotalTargetWords, "duration=%d", duration)

		wantCount := int(math.Ceil(float64(s.TotalTargetWords) / 1900.0))
		if wantCount < 1 {
			wantCount = 1
		}
		assert.Equal(t, wantCount, s.ChunkCount, "duration=%d", duration)
	}
}

func TestFinalChunkWords(t *testing.T) {
	tests := []struct {
		name     string
		strategy ChunkStrategy
		want     int
	}{
		{
			name:     "单块返回总字数",
			strategy: ChunkStrategy{TotalTargetWords: 650, ChunkCount: 1, WordsPerChunk: 650},
			want:     650,
		},
		{
			name:     "余量充足取余量",
			strategy: ChunkStrategy{TotalTargetWords: 3250, ChunkCount: 2, WordsPerChunk: 1625},
			want:     1625,
		},
		{
			name:     "余量过短保持常规预算",
			strategy: ChunkStrategy{TotalTargetWords: 4000, ChunkCount: 3, WordsPerChunk: 1800},
			want:     1800,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.FinalChunkWords())
		})
	}
}

package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateByRunes(t *testing.T) {
	assert.Equal(t, "", TruncateByRunes("hello", 0))
	assert.Equal(t, "hello", TruncateByRunes("hello", 10))
	assert.Equal(t, "hel", TruncateByRunes("hello", 3))
	// 多字节字符按 rune 截断，不能截出半个字符
	assert.Equal(t, "你好", TruncateByRunes("你好世界", 2))
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 0, CountWords(""))
	assert.Equal(t, 0, CountWords("   "))
	assert.Equal(t, 3, CountWords("a b c"))
	assert.Equal(t, 2, CountWords("  hello   world  "))
}

func TestTailWords(t *testing.T) {
	assert.Equal(t, "", TailWords("a b c", 0))
	assert.Equal(t, "a b c", TailWords("a b c", 5))
	assert.Equal(t, "b c", TailWords("a b c", 2))
	assert.Equal(t, "", TailWords("", 3))
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"裸对象", `{"a":1}`, `{"a":1}`},
		{"前后夹杂文本", "好的，以下是结果：\n{\"a\":1}\n以上。", `{"a":1}`},
		{"Markdown 围栏", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"数组", "结果 [1,2,3] 完", `[1,2,3]`},
		{"空输入", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSONObject(tt.in))
		})
	}
}

func TestIsTransientLLMError(t *testing.T) {
	assert.False(t, IsTransientLLMError(nil))

	transient := []error{
		context.DeadlineExceeded,
		fmt.Errorf("call model: %w", context.DeadlineExceeded),
		errors.New("rate limit exceeded, please retry"),
		errors.New("status code: 429, too many requests"),
		errors.New("dial tcp 10.0.0.1:443: connection refused"),
		errors.New("read: connection reset by peer"),
		errors.New("upstream bad gateway"),
		errors.New("service unavailable"),
		errors.New("request timed out"),
	}
	for _, err := range transient {
		assert.True(t, IsTransientLLMError(err), "should be transient: %v", err)
	}

	permanent := []error{
		errors.New("invalid api key"),
		errors.New("model not found"),
		errors.New("context length exceeded, reduce your prompt"),
		errors.New("unsupported parameter: response_format"),
	}
	for _, err := range permanent {
		assert.False(t, IsTransientLLMError(err), "should be permanent: %v", err)
	}
}

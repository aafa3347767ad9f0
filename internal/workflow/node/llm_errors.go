package node

import (
	"context"
	"errors"
	"net"
	"strings"
)

// IsTransientLLMError 判定模型调用错误是否值得重试。
// 超时、限流、网络层故障与提供商侧 5xx 视为瞬态；
// 其余（无效参数、鉴权失败、上下文超长等）为永久错误，重试只会白烧额度。
func IsTransientLLMError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transient := []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"rate limit",
		"too many requests",
		"status code: 429",
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporarily unavailable",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"overloaded",
	}
	for _, s := range transient {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

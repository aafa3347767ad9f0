package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_HTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{CodeInvalidParam, http.StatusBadRequest},
		{CodeEntitlementExceeded, http.StatusBadRequest},
		{CodeJobTerminal, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeJobNotFound, http.StatusNotFound},
		{CodeSubscriptionNotFound, http.StatusNotFound},
		{CodeTooManyRequests, http.StatusTooManyRequests},
		{CodeGenerationFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, New(tt.code, "x").HTTPStatus, "code %s", tt.code)
	}
}

func TestAppError_WithField(t *testing.T) {
	err := New(CodeValidationFailed, "参数校验失败").
		WithField("target_duration_minutes", "must be positive").
		WithField("model_tier", "not allowed")

	assert.Equal(t, "must be positive", err.Fields["target_duration_minutes"])
	assert.Equal(t, "not allowed", err.Fields["model_tier"])
}

func TestWrap_Unwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(cause, CodeLLMCallFailed, "LLM 调用失败")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAsAppError(t *testing.T) {
	appErr := ErrJobNotFound
	assert.True(t, IsAppError(appErr))
	assert.Same(t, appErr, AsAppError(appErr))

	plain := stderrors.New("boom")
	assert.False(t, IsAppError(plain))
	converted := AsAppError(plain)
	assert.Equal(t, CodeUnknown, converted.Code)
}

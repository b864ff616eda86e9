package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const codeTestFlaky Code = "TEST_FLAKY_BACKEND"

func init() {
	Register(codeTestFlaky, Attributes{
		Message:       "flaky backend",
		Severity:      SeverityWarning,
		Category:      CategoryBackend,
		Retryable:     true,
		Alert:         true,
		Indeterminate: true,
	})
}

func TestRegisteredAttributes(t *testing.T) {
	err := New(codeTestFlaky, "")
	assert.Equal(t, "flaky backend", err.Message())
	assert.Equal(t, CategoryBackend, err.Category())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.True(t, err.Retryable())
	assert.True(t, err.ShouldAlert())
	assert.True(t, err.Indeterminate())
	assert.Equal(t, "[TEST_FLAKY_BACKEND] flaky backend", err.Error())
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf("NOT_REGISTERED")
	assert.Equal(t, AttributesOf(CodeUnknown), attr)

	err := New("NOT_REGISTERED", "")
	assert.Equal(t, "unknown error", err.Message())
	assert.Equal(t, CategoryInternal, err.Category())
	assert.Equal(t, slog.LevelError, LogLevel(err))
}

func TestWrapKeepsCauseAndMetadata(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := Wrap(CodeStorageFailure, cause, "写入失败", WithMetadata("thread_id", "t1"))

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "[STORAGE_FAILURE] 写入失败: connection reset", err.Error())
	assert.Equal(t, map[string]string{"thread_id": "t1"}, err.Metadata())

	md := err.Metadata()
	md["thread_id"] = "changed"
	assert.Equal(t, "t1", err.Metadata()["thread_id"])
}

func TestFromFindsWrappedError(t *testing.T) {
	inner := New(codeTestFlaky, "backend down")
	outer := fmt.Errorf("invoke: %w", inner)

	coded, ok := From(outer)
	require.True(t, ok)
	assert.Same(t, inner, coded)
	assert.Equal(t, codeTestFlaky, CodeOf(outer))
	assert.Equal(t, CategoryBackend, CategoryOf(outer))
	assert.True(t, RetryableError(outer))
	assert.True(t, IsIndeterminate(outer))
	assert.True(t, ShouldAlert(outer))
	assert.Equal(t, SeverityWarning, SeverityOf(outer))

	_, ok = From(stdErrors.New("plain"))
	assert.False(t, ok)
	_, ok = From(nil)
	assert.False(t, ok)
}

func TestPlainErrorDefaults(t *testing.T) {
	plain := stdErrors.New("plain")
	assert.Equal(t, CodeUnknown, CodeOf(plain))
	assert.Equal(t, CategoryInternal, CategoryOf(plain))
	assert.False(t, RetryableError(plain))
	assert.False(t, IsIndeterminate(plain))
	assert.False(t, ShouldAlert(plain))
	assert.Equal(t, SeverityCritical, SeverityOf(plain))
}

func TestWithRetryableOverridesRegistry(t *testing.T) {
	assert.False(t, New(CodeInvalidArgument, "").Retryable())
	assert.True(t, New(CodeInvalidArgument, "", WithRetryable(true)).Retryable())
	assert.False(t, New(codeTestFlaky, "", WithRetryable(false)).Retryable())
}

func TestIsComparesCodes(t *testing.T) {
	err := Wrap(CodeNotFound, stdErrors.New("missing row"), "线程不存在")
	assert.True(t, stdErrors.Is(err, New(CodeNotFound, "")))
	assert.False(t, stdErrors.Is(err, New(CodeTimeout, "")))
}

func TestLogLevel(t *testing.T) {
	cases := []struct {
		code Code
		want slog.Level
	}{
		{CodeInvalidArgument, slog.LevelInfo},
		{CodeTimeout, slog.LevelWarn},
		{CodeStorageFailure, slog.LevelError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LogLevel(New(tc.code, "")), tc.code)
	}
}

func TestFromContext(t *testing.T) {
	timeout := FromContext(context.DeadlineExceeded, "等待超时")
	require.NotNil(t, timeout)
	assert.Equal(t, CodeTimeout, timeout.Code())
	assert.True(t, timeout.Indeterminate())
	assert.ErrorIs(t, timeout, context.DeadlineExceeded)

	canceled := FromContext(fmt.Errorf("op: %w", context.Canceled), "已取消")
	require.NotNil(t, canceled)
	assert.Equal(t, CodeCanceled, canceled.Code())

	assert.Nil(t, FromContext(stdErrors.New("other"), "x"))
}

func TestNilErrorIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
	assert.Equal(t, CodeUnknown, e.Code())
	assert.False(t, e.Retryable())
	assert.Nil(t, e.Unwrap())
}

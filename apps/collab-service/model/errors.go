package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 错误分类
type ErrorKind string

const (
	KindAuthFailure     ErrorKind = "AuthFailure"
	KindRateLimited     ErrorKind = "RateLimited"
	KindInvalidInput    ErrorKind = "InvalidInput"
	KindNoActiveSession ErrorKind = "NoActiveSession"
	KindConflict        ErrorKind = "Conflict"
	KindServiceDegraded ErrorKind = "ServiceDegraded"
	KindCleanupError    ErrorKind = "CleanupError"
	KindForbidden       ErrorKind = "Forbidden"
	KindInternal        ErrorKind = "Internal"
)

// 错误码
const (
	CodeInvalidPayload     = "INVALID_PAYLOAD"
	CodeUnknownEvent       = "UNKNOWN_EVENT"
	CodeMissingField       = "MISSING_FIELD"
	CodeOutOfBounds        = "OUT_OF_BOUNDS"
	CodeNoSession          = "NO_ACTIVE_SESSION"
	CodeWrongWhiteboard    = "WRONG_WHITEBOARD"
	CodeRateLimited        = "RATE_LIMITED"
	CodeNotFound           = "NOT_FOUND"
	CodeForbidden          = "FORBIDDEN"
	CodeReadOnly           = "READ_ONLY"
	CodeSelectionCapacity  = "SELECTION_CAPACITY"
	CodeConflictNotFound   = "CONFLICT_NOT_FOUND"
	CodeNotConflictParty   = "NOT_CONFLICT_PARTY"
	CodeStoreUnavailable   = "STORE_UNAVAILABLE"
	CodeSyncTargetNotFound = "SYNC_TARGET_NOT_FOUND"
	CodeCleanupFailed      = "CLEANUP_FAILED"
	CodeShuttingDown       = "SHUTTING_DOWN"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInternal           = "INTERNAL_ERROR"
)

// CollabError 协作服务错误
type CollabError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *CollabError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s(%s): %s: %v", e.Kind, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s(%s): %s", e.Kind, e.Code, e.Message)
}

func (e *CollabError) Unwrap() error { return e.Err }

// ErrorCode 供 HTTP 层输出错误码
func (e *CollabError) ErrorCode() string { return e.Code }

// Is 同类同码视为相等，便于 errors.Is 比较哨兵错误
func (e *CollabError) Is(target error) bool {
	t, ok := target.(*CollabError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// NewError 创建错误
func NewError(kind ErrorKind, code, message string) *CollabError {
	return &CollabError{Kind: kind, Code: code, Message: message}
}

// WrapError 包装下层错误
func WrapError(kind ErrorKind, code, message string, err error) *CollabError {
	return &CollabError{Kind: kind, Code: code, Message: message, Err: err}
}

// InvalidInput 非法输入
func InvalidInput(code, format string, args ...interface{}) *CollabError {
	return NewError(KindInvalidInput, code, fmt.Sprintf(format, args...))
}

// RateLimitedError 限流错误
func RateLimitedError(operation string, retryAfter time.Duration) *CollabError {
	return &CollabError{
		Kind:       KindRateLimited,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("too many %s requests", operation),
		RetryAfter: retryAfter,
	}
}

// 哨兵错误
var (
	ErrNoActiveSession  = NewError(KindNoActiveSession, CodeNoSession, "join a whiteboard first")
	ErrForbidden        = NewError(KindForbidden, CodeForbidden, "not allowed")
	ErrReadOnly         = NewError(KindForbidden, CodeReadOnly, "edit permission required")
	ErrNotFound         = NewError(KindForbidden, CodeNotFound, "whiteboard not found")
	ErrStoreUnavailable = NewError(KindServiceDegraded, CodeStoreUnavailable, "store unavailable")
)

// KindOf 取错误分类，非 CollabError 归为 Internal
func KindOf(err error) ErrorKind {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// AsCollabError 转为 CollabError，未知错误包装为 Internal
func AsCollabError(err error) *CollabError {
	var ce *CollabError
	if errors.As(err, &ce) {
		return ce
	}
	return WrapError(KindInternal, CodeInternal, "internal error", err)
}

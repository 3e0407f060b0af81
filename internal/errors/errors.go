package errors

import (
	"errors"
	"fmt"
)

// AppError 应用错误类型
// 按错误分类（传输 / 协议 / 重连耗尽 / 注册表）统一管理错误码和错误消息
type AppError struct {
	Code    int    // 错误码
	Message string // 用户可见的错误消息
	Err     error  // 原始错误（可选，用于调试）
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 支持 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError 创建新错误
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包装原始错误
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// Is 判断是否为指定错误
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode 获取错误码，如果不是 AppError 返回默认错误码
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// GetMessage 获取错误消息
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// IsFatal 是否为需要上报给订阅者的终态错误
// 传输错误和协议错误都在本地恢复，只有重连耗尽需要用户介入
func IsFatal(err error) bool {
	return GetCode(err)/1000 == CodeExhaustedGroup
}

// ============== 错误码定义 ==============

const (
	CodeSuccess = 0

	// 传输相关 20000-20999（本地重连恢复）
	CodeDialFailed     = 20001
	CodeConnLost       = 20002
	CodeNotConnected   = 20003
	CodeSendFailed     = 20004
	CodeTransportKind  = 20005
	CodeHandshakeError = 20006

	// 协议相关 21000-21999（丢弃消息，记录日志）
	CodeMalformedEnvelope = 21001
	CodeMalformedPayload  = 21002
	CodeUnknownKind       = 21003

	// 重连耗尽 22000-22999（上报订阅者）
	CodeExhaustedGroup     = 22
	CodeReconnectExhausted = 22001

	// 注册表相关 23000-23999
	CodeRoomNotFound    = 23001
	CodeInvalidPasscode = 23002
	CodePasscodeMissing = 23003

	// 系统错误 50000-50999
	CodeInternal = 50001
	CodeDBError  = 50002
)

// ============== 预定义错误 ==============

// 传输相关
var (
	ErrDialFailed     = NewError(CodeDialFailed, "dial failed")
	ErrConnLost       = NewError(CodeConnLost, "connection lost")
	ErrNotConnected   = NewError(CodeNotConnected, "connection is not open")
	ErrSendFailed     = NewError(CodeSendFailed, "send failed")
	ErrTransportKind  = NewError(CodeTransportKind, "unsupported transport kind")
	ErrHandshakeError = NewError(CodeHandshakeError, "transport handshake failed")
)

// 协议相关
var (
	ErrMalformedEnvelope = NewError(CodeMalformedEnvelope, "malformed envelope")
	ErrMalformedPayload  = NewError(CodeMalformedPayload, "malformed payload")
	ErrUnknownKind       = NewError(CodeUnknownKind, "unknown message kind")
)

// 重连耗尽
var (
	ErrReconnectExhausted = NewError(CodeReconnectExhausted, "reconnect attempts exhausted, room is offline")
)

// 注册表相关
var (
	ErrRoomNotFound    = NewError(CodeRoomNotFound, "room not found")
	ErrInvalidPasscode = NewError(CodeInvalidPasscode, "invalid room passcode")
	ErrPasscodeMissing = NewError(CodePasscodeMissing, "private room requires a passcode")
)

// 系统相关
var (
	ErrInternal = NewError(CodeInternal, "internal error")
	ErrDBError  = NewError(CodeDBError, "database error")
)

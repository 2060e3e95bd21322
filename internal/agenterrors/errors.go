package agenterrors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 帧编解码错误 (1000-1099)
	BadCRC         ErrorCode = 1000
	ShortRead      ErrorCode = 1001
	UnknownCommand ErrorCode = 1002
	FrameTooLong   ErrorCode = 1003

	// 链路错误 (1100-1199)
	Timeout    ErrorCode = 1100
	LinkFault  ErrorCode = 1101
	DeviceGone ErrorCode = 1102

	// 协议错误 (1200-1299)
	UnexpectedResponse ErrorCode = 1200
	AFTRejected        ErrorCode = 1201
	MachineNotReady    ErrorCode = 1202

	// 远程存储错误 (1300-1399)
	StoreUnavailable ErrorCode = 1300
	StoreWriteFailed ErrorCode = 1301
	JournalFull      ErrorCode = 1302

	// 指令通道错误 (1400-1499)
	SignatureInvalid ErrorCode = 1400
	StaleMessage     ErrorCode = 1401
	ReplayedNonce    ErrorCode = 1402
	MalformedCommand ErrorCode = 1403
	Busy             ErrorCode = 1404

	// 致命错误 (1500-1599)
	ConfigInvalid  ErrorCode = 1500
	JournalCorrupt ErrorCode = 1501

	// 未知错误
	ErrUnknown ErrorCode = 1999
)

// errorMessages 错误码对应的消息
var errorMessages = map[ErrorCode]string{
	BadCRC:         "CRC校验失败",
	ShortRead:      "帧读取不完整",
	UnknownCommand: "未注册的命令码",
	FrameTooLong:   "帧长度超出上限",

	Timeout:    "响应超时",
	LinkFault:  "链路重试次数耗尽",
	DeviceGone: "串口设备丢失",

	UnexpectedResponse: "响应格式异常",
	AFTRejected:        "AFT转账被拒绝",
	MachineNotReady:    "游戏机未就绪",

	StoreUnavailable: "远程存储不可用",
	StoreWriteFailed: "远程存储写入失败",
	JournalFull:      "本地日志队列已满",

	SignatureInvalid: "签名校验失败",
	StaleMessage:     "消息时间戳超出允许偏差",
	ReplayedNonce:    "检测到重放消息",
	MalformedCommand: "指令负载解析失败",
	Busy:             "指令队列已满",

	ConfigInvalid:  "配置无效",
	JournalCorrupt: "本地日志校验和不匹配",

	ErrUnknown: "未知错误",
}

// AgentError 组件边界返回的错误类型
type AgentError struct {
	Code      ErrorCode    `json:"code"`
	Message   string       `json:"message"`
	Details   string       `json:"details,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Cause     error        `json:"-"`
	Stack     []StackFrame `json:"stack,omitempty"`
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AgentError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AgentError) Unwrap() error {
	return e.Cause
}

// WithDetails 添加详细信息
func (e *AgentError) WithDetails(details string) *AgentError {
	e.Details = details
	return e
}

// WithCause 添加原因错误
func (e *AgentError) WithCause(cause error) *AgentError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的错误
func New(code ErrorCode, details ...string) *AgentError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AgentError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的错误
func Newf(code ErrorCode, format string, args ...interface{}) *AgentError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AgentError {
	if err == nil {
		return nil
	}

	// 已经是AgentError时保留原始错误码
	if agentErr, ok := err.(*AgentError); ok {
		if len(details) > 0 {
			agentErr.Details = strings.Join(details, "; ") + "; " + agentErr.Details
		}
		return agentErr
	}

	agentErr := New(code, details...)
	agentErr.Cause = err
	if agentErr.Details == "" {
		agentErr.Details = err.Error()
	}

	return agentErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AgentError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// Is 判断错误是否为指定错误码
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	agentErr, ok := err.(*AgentError)
	return ok && agentErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	if agentErr, ok := err.(*AgentError); ok {
		return agentErr.Code
	}

	return ErrUnknown
}

// IsRetryable 判断错误是否可由轮询引擎原地重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case BadCRC, ShortRead, Timeout, MachineNotReady, StoreUnavailable:
		return true
	default:
		return false
	}
}

// IsFatal 判断是否为启动期致命错误
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ConfigInvalid, JournalCorrupt:
		return true
	default:
		return false
	}
}

// captureStack 捕获调用栈
func (e *AgentError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/sas-edge-agent/internal/agenterrors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AgentError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

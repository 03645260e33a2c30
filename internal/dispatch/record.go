package dispatch

import (
	xerrors "AgentRelay/internal/errors"
)

// Status 表示一次调度请求在生命周期中的状态。
type Status string

const (
	StatusReceived   Status = "received"
	StatusInProgress Status = "in_progress"
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusReceived, StatusInProgress, StatusPending, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态记录不再自动迁移，
// 只等待被轮询方取走一次。
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusError
}

// RequestRecord 是请求台账中的一条记录，关联一次能力调用的
// 完整生命周期与结果。
type RequestRecord struct {
	RequestID        string         `json:"request_id"`
	Capability       string         `json:"capability"`
	Args             map[string]any `json:"args,omitempty"`
	Status           Status         `json:"status"`
	CreatedAt        int64          `json:"created_at"`
	CompletedAt      int64          `json:"completed_at,omitempty"`
	Response         any            `json:"response,omitempty"`
	Error            string         `json:"error,omitempty"`
	ErrorCode        string         `json:"error_code,omitempty"`
	ProcessedByAgent bool           `json:"processed_by_agent"`
}

// 调度与台账的统一错误码。
const (
	CodeInvocationValidation xerrors.Code = "INVOCATION_VALIDATION_FAILED"
	CodeInvocationNotFound   xerrors.Code = "INVOCATION_NOT_FOUND"
	CodeInvocationConflict   xerrors.Code = "INVOCATION_CONFLICT"
	CodeInvocationFinished   xerrors.Code = "INVOCATION_FINISHED"
	CodeInvocationExecution  xerrors.Code = "INVOCATION_EXECUTION_FAILED"
	CodeInvocationPublish    xerrors.Code = "INVOCATION_PUBLISH_FAILED"
)

var (
	// ErrInvalidArgument 表示调用参数缺少非空的 task 字段。
	ErrInvalidArgument = xerrors.New(CodeInvocationValidation, "invocation arguments invalid")
	// ErrRequestNotFound 表示指定的请求不存在。
	ErrRequestNotFound = xerrors.New(CodeInvocationNotFound, "request not found")
	// ErrRequestConflict 表示请求在当前状态下无法进行所请求的操作。
	ErrRequestConflict = xerrors.New(CodeInvocationConflict, "request conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrRequestFinished 表示请求已处于终态。
	ErrRequestFinished = xerrors.New(CodeInvocationFinished, "request already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
)

func init() {
	xerrors.Register(CodeInvocationValidation, xerrors.Attributes{
		Message:   "invocation arguments invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvocationNotFound, xerrors.Attributes{
		Message:   "request not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvocationConflict, xerrors.Attributes{
		Message:   "request conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvocationFinished, xerrors.Attributes{
		Message:   "request already finished",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvocationExecution, xerrors.Attributes{
		Message:   "invocation execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInvocationPublish, xerrors.Attributes{
		Message:   "failed to publish invocation",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneRecord(record *RequestRecord) *RequestRecord {
	clone := *record
	clone.Args = cloneArgs(record.Args)
	return &clone
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	cloned := make(map[string]any, len(args))
	for key, value := range args {
		cloned[key] = value
	}
	return cloned
}

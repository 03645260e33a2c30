package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AgentRelay/internal/dispatch"
	xerrors "AgentRelay/internal/errors"
	"AgentRelay/internal/session"
	"AgentRelay/pkg/logger"
)

// InvocationService 定义编排器所需的调度能力。
type InvocationService interface {
	Invoke(ctx context.Context, name string, args map[string]any) (string, error)
	PollCompleted(ctx context.Context) (*dispatch.RequestRecord, error)
}

// Orchestrator 把会话状态机和调度器串联起来：
// 记录用户消息，发起能力调用，并把终态结果作为 tool 消息写回会话。
type Orchestrator struct {
	machine    *session.Machine
	dispatcher InvocationService
	interval   time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]string
	current string
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithPollInterval 设置结果回收的轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(o *Orchestrator) {
		if interval > 0 {
			o.interval = interval
		}
	}
}

// WithOrchestratorLogger 指定日志输出。
func WithOrchestratorLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// New 构造 Orchestrator。
func New(machine *session.Machine, dispatcher InvocationService, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		machine:    machine,
		dispatcher: dispatcher,
		interval:   500 * time.Millisecond,
		pending:    make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.log == nil {
		o.log = logger.Named("orchestrator")
	}
	return o
}

// RecordUser 把一条用户输入写入会话。
func (o *Orchestrator) RecordUser(ctx context.Context, content string) error {
	if o.machine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	_, err := o.machine.AddMessage(ctx, session.RoleUser, content, nil)
	return err
}

// RecordAssistant 把一条助手回复写入会话。
func (o *Orchestrator) RecordAssistant(ctx context.Context, content string) error {
	if o.machine == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}
	_, err := o.machine.AddMessage(ctx, session.RoleAssistant, content, nil)
	return err
}

// DispatchTool 在当前会话里发起一次能力调用。
// 会话任务进入 in_progress，结果由 Step 或 Run 在终态时回填。
func (o *Orchestrator) DispatchTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if o.machine == nil || o.dispatcher == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}

	description := fmt.Sprintf("invoke %s", name)
	if err := o.machine.StartTask(description); err != nil {
		return "", err
	}

	requestID, err := o.dispatcher.Invoke(ctx, name, args)
	if err != nil {
		if failErr := o.machine.FailTask(err.Error()); failErr != nil {
			o.log.Error("回写任务失败状态出错", slog.Any("error", failErr))
		}
		return "", err
	}

	o.mu.Lock()
	o.pending[requestID] = name
	o.current = requestID
	o.mu.Unlock()

	o.log.Info("能力调用已提交",
		slog.String("request_id", requestID),
		slog.String("capability", name),
		slog.String("session_id", o.machine.SessionID()),
	)
	return requestID, nil
}

// Step 回收一批终态记录并写回会话，返回处理的记录数量。
func (o *Orchestrator) Step(ctx context.Context) (int, error) {
	if o.machine == nil || o.dispatcher == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化")
	}

	handled := 0
	for {
		record, err := o.dispatcher.PollCompleted(ctx)
		if err != nil {
			return handled, err
		}
		if record == nil {
			return handled, nil
		}
		o.absorb(ctx, record)
		handled++
	}
}

// Run 以固定间隔回收终态记录，阻塞直到 ctx 取消。
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Step(ctx); err != nil {
				o.log.Error("回收调用结果失败", slog.Any("error", err))
			}
		}
	}
}

// absorb 把一条终态记录转成 tool 消息，并结算对应的会话任务。
func (o *Orchestrator) absorb(ctx context.Context, record *dispatch.RequestRecord) {
	content := record.Error
	if record.Status == dispatch.StatusCompleted {
		content = fmt.Sprintf("%v", record.Response)
	}
	if content == "" {
		content = string(record.Status)
	}
	metadata := map[string]any{
		"request_id": record.RequestID,
		"capability": record.Capability,
		"status":     string(record.Status),
	}
	if record.ErrorCode != "" {
		metadata["error_code"] = record.ErrorCode
	}
	if _, err := o.machine.AddMessage(ctx, session.RoleTool, content, metadata); err != nil {
		o.log.Error("写入 tool 消息失败",
			slog.Any("error", err),
			slog.String("request_id", record.RequestID),
		)
	}

	o.mu.Lock()
	delete(o.pending, record.RequestID)
	isCurrent := o.current == record.RequestID
	if isCurrent {
		o.current = ""
	}
	o.mu.Unlock()

	if !isCurrent {
		return
	}
	var err error
	if record.Status == dispatch.StatusCompleted {
		err = o.machine.CompleteTask(content)
	} else {
		err = o.machine.FailTask(record.Error)
	}
	if err != nil {
		o.log.Error("结算会话任务失败",
			slog.Any("error", err),
			slog.String("request_id", record.RequestID),
		)
	}
}

// Pending 返回尚未回收结果的请求数量。
func (o *Orchestrator) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Machine 返回底层会话状态机。
func (o *Orchestrator) Machine() *session.Machine {
	return o.machine
}

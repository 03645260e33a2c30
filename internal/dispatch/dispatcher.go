package dispatch

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentRelay/internal/capability"
	xerrors "AgentRelay/internal/errors"
	"AgentRelay/internal/observability/alerting"
	"AgentRelay/pkg/logger"
)

// Resolver 定义调度器所需的能力查找接口。
type Resolver interface {
	Resolve(name string) capability.Resolution
}

// Inflight 是一次进行中调用的句柄。请求进入终态后 Done 通道被关闭。
type Inflight struct {
	RequestID string
	done      chan struct{}
}

// Done 返回请求终态通知通道。
func (h *Inflight) Done() <-chan struct{} {
	if h == nil {
		return nil
	}
	return h.done
}

// Dispatcher 负责调用请求的受理、排队、执行与结果回收。
type Dispatcher struct {
	resolver    Resolver
	ledger      Ledger
	producer    Producer
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher

	mu       sync.Mutex
	inflight map[string]*Inflight
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(resolver Resolver, ledger Ledger, producer Producer, consumer Consumer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver:    resolver,
		ledger:      ledger,
		producer:    producer,
		consumer:    consumer,
		workerCount: 1,
		inflight:    make(map[string]*Inflight),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.workerCount <= 0 {
		d.workerCount = 1
	}
	return d
}

// Invoke 受理一次能力调用并立即返回请求 ID。执行在后台进行，
// 调用方通过 Get 或 PollCompleted 取回结果。
// 能力未注册或未批准时同样返回请求 ID，结果记录直接进入 error 终态，
// 让所有失败都走同一条查询路径。
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	if d.ledger == nil || d.resolver == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}
	if strings.TrimSpace(name) == "" {
		return "", xerrors.Wrap(CodeInvocationValidation, ErrInvalidArgument, "能力名称不能为空")
	}

	resolution := d.resolver.Resolve(name)
	if resolution.Outcome == capability.ResolutionFound {
		if err := validateRequiredArgs(resolution.Descriptor, args); err != nil {
			return "", err
		}
	}

	requestID := uuid.NewString()
	record := &RequestRecord{
		RequestID:  requestID,
		Capability: name,
		Args:       cloneArgs(args),
		Status:     StatusReceived,
		CreatedAt:  time.Now().Unix(),
	}

	switch resolution.Outcome {
	case capability.ResolutionNotFound:
		record.Status = StatusError
		record.Error = fmt.Sprintf("能力 %s 未注册", name)
		record.ErrorCode = string(capability.CodeCapabilityNotFound)
		record.CompletedAt = record.CreatedAt
	case capability.ResolutionUnapproved:
		record.Status = StatusError
		record.Error = fmt.Sprintf("能力 %s 尚未批准启用", name)
		record.ErrorCode = string(capability.CodeCapabilityUnapproved)
		record.CompletedAt = record.CreatedAt
	}

	if err := d.ledger.Create(ctx, record); err != nil {
		return "", err
	}

	handle := &Inflight{RequestID: requestID, done: make(chan struct{})}
	d.mu.Lock()
	d.inflight[requestID] = handle
	d.mu.Unlock()

	if record.Status == StatusError {
		d.finish(requestID)
		logger.Audit().Warn("调用请求直接失败",
			slog.String("request_id", requestID),
			slog.String("capability", name),
			slog.String("error_code", record.ErrorCode),
		)
		return requestID, nil
	}

	if d.producer == nil {
		_ = d.ledger.MarkError(ctx, requestID, string(CodeInvocationPublish), "未配置请求队列")
		d.finish(requestID)
		return requestID, nil
	}
	if err := d.producer.Publish(ctx, requestID); err != nil {
		logger.L().Error("调用请求入队失败", slog.Any("error", err), slog.String("request_id", requestID))
		wrapped := xerrors.Wrap(CodeInvocationPublish, err, "发布调用请求到队列失败")
		_ = d.ledger.MarkError(ctx, requestID, string(CodeInvocationPublish), wrapped.Error())
		d.finish(requestID)
		d.emitAlert(ctx, record, CodeInvocationPublish, wrapped, "publish")
		return requestID, nil
	}

	logger.Audit().Info("调用请求入队成功",
		slog.String("request_id", requestID),
		slog.String("capability", name),
	)
	return requestID, nil
}

// Start 启动请求处理循环，阻塞直到 ctx 取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置请求消费者")
	}
	return d.consumer.Consume(ctx, d.workerCount, d.handle)
}

func (d *Dispatcher) handle(ctx context.Context, requestID string) error {
	if d.ledger == nil || d.resolver == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未初始化")
	}

	record, err := d.ledger.Claim(ctx, requestID)
	if err != nil {
		if stdErrors.Is(err, ErrRequestNotFound) || stdErrors.Is(err, ErrRequestFinished) || stdErrors.Is(err, ErrRequestConflict) {
			d.logDebug("跳过请求", slog.String("request_id", requestID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("认领调用请求失败", slog.Any("error", err), slog.String("request_id", requestID))
		d.emitAlert(ctx, &RequestRecord{RequestID: requestID}, CodeInvocationExecution, err, "claim")
		return err
	}

	// 入队后能力可能被撤销，执行前重新查找一次。
	resolution := d.resolver.Resolve(record.Capability)
	switch resolution.Outcome {
	case capability.ResolutionNotFound:
		return d.fail(ctx, record, capability.CodeCapabilityNotFound,
			fmt.Sprintf("能力 %s 未注册", record.Capability))
	case capability.ResolutionUnapproved:
		return d.fail(ctx, record, capability.CodeCapabilityUnapproved,
			fmt.Sprintf("能力 %s 尚未批准启用", record.Capability))
	}

	result, execErr := safeInvoke(ctx, resolution.Invoke, record.Args)
	if execErr != nil {
		code := xerrors.CodeOf(execErr)
		if code == xerrors.CodeUnknown {
			code = CodeInvocationExecution
		}
		return d.fail(ctx, record, code, execErr.Error())
	}

	if err := d.ledger.MarkCompleted(ctx, record.RequestID, result); err != nil {
		logger.L().Error("标记请求完成失败", slog.Any("error", err), slog.String("request_id", record.RequestID))
		if storeErr := d.ledger.MarkError(ctx, record.RequestID, string(xerrors.CodeStorageFailure), err.Error()); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("request_id", record.RequestID))
			return storeErr
		}
		d.finish(record.RequestID)
		return nil
	}
	d.finish(record.RequestID)
	logger.Audit().Info("调用执行成功",
		slog.String("request_id", record.RequestID),
		slog.String("capability", record.Capability),
	)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, record *RequestRecord, code xerrors.Code, message string) error {
	if err := d.ledger.MarkError(ctx, record.RequestID, string(code), message); err != nil {
		logger.L().Error("标记请求失败状态出错", slog.Any("error", err), slog.String("request_id", record.RequestID))
		return err
	}
	d.finish(record.RequestID)
	logger.Audit().Warn("调用执行失败",
		slog.String("request_id", record.RequestID),
		slog.String("capability", record.Capability),
		slog.String("error", message),
		slog.String("error_code", string(code)),
	)
	d.emitAlert(ctx, record, code, stdErrors.New(message), "execute")
	return nil
}

// safeInvoke 把能力执行中的 panic 转成错误，避免一个调用拖垮工作协程。
func safeInvoke(ctx context.Context, invoke capability.Invoker, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(CodeInvocationExecution, fmt.Sprintf("能力执行 panic: %v", r))
		}
	}()
	if invoke == nil {
		return nil, xerrors.New(CodeInvocationExecution, "能力缺少执行函数")
	}
	return invoke(ctx, args)
}

// validateRequiredArgs 校验必填参数，缺参在受理前立即失败。
func validateRequiredArgs(desc *capability.Descriptor, args map[string]any) error {
	if desc == nil {
		return nil
	}
	for _, param := range desc.Parameters {
		if !param.Required {
			continue
		}
		value, ok := args[param.Name]
		if !ok || value == nil {
			return xerrors.Wrap(CodeInvocationValidation, ErrInvalidArgument,
				fmt.Sprintf("缺少必填参数 %s", param.Name))
		}
		if s, isString := value.(string); isString && strings.TrimSpace(s) == "" {
			return xerrors.Wrap(CodeInvocationValidation, ErrInvalidArgument,
				fmt.Sprintf("必填参数 %s 不能为空", param.Name))
		}
	}
	return nil
}

// Get 返回指定请求的最新记录。
func (d *Dispatcher) Get(ctx context.Context, requestID string) (*RequestRecord, error) {
	if d.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求台账未初始化")
	}
	return d.ledger.Get(ctx, requestID)
}

// PollCompleted 取走一条尚未被回收的终态记录。没有待取记录时返回 nil。
func (d *Dispatcher) PollCompleted(ctx context.Context) (*RequestRecord, error) {
	if d.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求台账未初始化")
	}
	return d.ledger.PollCompleted(ctx)
}

// List 返回符合过滤条件的请求记录。
func (d *Dispatcher) List(ctx context.Context, opts ...ListOption) ([]*RequestRecord, error) {
	if d.ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "请求台账未初始化")
	}
	return d.ledger.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的请求统计信息。
func (d *Dispatcher) Stats(ctx context.Context, opts ...ListOption) (LedgerStats, error) {
	if d.ledger == nil {
		return LedgerStats{}, xerrors.New(xerrors.CodeInitializationFailure, "请求台账未初始化")
	}
	return d.ledger.Stats(ctx, buildListOptions(opts))
}

// Inflight 返回请求的进行中句柄，请求不存在或已被回收时返回 nil。
func (d *Dispatcher) Inflight(requestID string) *Inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[requestID]
}

// WaitUntilTerminal 在指定间隔内轮询请求状态，直到请求进入终态或 ctx 取消。
func (d *Dispatcher) WaitUntilTerminal(ctx context.Context, requestID string, interval time.Duration) (*RequestRecord, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := d.Get(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if IsTerminal(record.Status) {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放队列与台账资源。
func (d *Dispatcher) Close() error {
	if d.ledger != nil {
		if err := d.ledger.Close(); err != nil {
			return err
		}
	}
	if d.producer != nil {
		return d.producer.Close()
	}
	return nil
}

// finish 关闭请求的终态通知通道。
func (d *Dispatcher) finish(requestID string) {
	d.mu.Lock()
	handle, ok := d.inflight[requestID]
	if ok {
		delete(d.inflight, requestID)
	}
	d.mu.Unlock()
	if ok {
		close(handle.done)
	}
}

func (d *Dispatcher) logDebug(msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		d.logger.Debug(msg, args...)
	}
}

func (d *Dispatcher) emitAlert(ctx context.Context, record *RequestRecord, code xerrors.Code, cause error, stage string) {
	if d == nil || d.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RequestID:  record.RequestID,
		Capability: record.Capability,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", record.RequestID),
			slog.String("stage", stage),
		)
	}
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentRelay/internal/errors"
	"AgentRelay/internal/validate"
	"AgentRelay/pkg/logger"
)

// 会话状态机的统一错误码。
const (
	CodeSessionValidation xerrors.Code = "SESSION_VALIDATION_FAILED"
	CodeStateTransition   xerrors.Code = "SESSION_STATE_TRANSITION"
	CodeStateUpdate       xerrors.Code = "SESSION_STATE_UPDATE_REJECTED"
	CodeTaskMissing       xerrors.Code = "SESSION_TASK_MISSING"
)

var (
	// ErrValidation 表示消息或补丁内容不满足结构约束。
	ErrValidation = xerrors.New(CodeSessionValidation, "session validation failed")
	// ErrStateTransition 表示任务状态迁移不在合法迁移表内。
	ErrStateTransition = xerrors.New(CodeStateTransition, "illegal task transition")
	// ErrStateUpdate 表示变更被熔断器拒绝。
	ErrStateUpdate = xerrors.New(CodeStateUpdate, "state update rejected", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskMissing 表示当前没有可操作的任务。
	ErrTaskMissing = xerrors.New(CodeTaskMissing, "no active task")
)

func init() {
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:   "session validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStateTransition, xerrors.Attributes{
		Message:   "illegal task transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStateUpdate, xerrors.Attributes{
		Message:   "state update rejected",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskMissing, xerrors.Attributes{
		Message:   "no active task",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Machine 是会话状态的唯一持有者。所有变更都经过这组窄接口，
// 以便在落地前完成校验，避免调用方直接改动消息日志或任务状态。
type Machine struct {
	mu    sync.Mutex
	state State
	store MessageStore
	guard *mutationGuard
	clock func() time.Time
	log   *slog.Logger
}

// Option 定义可选的状态机配置。
type Option func(*Machine)

// WithClock 替换时间源，主要用于测试注入乱序时间戳。
func WithClock(clock func() time.Time) Option {
	return func(m *Machine) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithGuard 覆盖熔断器的突发上限与滚动窗口。
func WithGuard(burst int, window time.Duration) Option {
	return func(m *Machine) {
		m.guard = newMutationGuard(burst, window)
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMachine 创建一个会话状态机。store 为空时消息不做持久化。
func NewMachine(sessionID string, store MessageStore, opts ...Option) *Machine {
	if strings.TrimSpace(sessionID) == "" {
		sessionID = uuid.NewString()
	}
	m := &Machine{
		state: State{SessionID: sessionID},
		store: store,
		guard: newMutationGuard(defaultGuardBurst, defaultGuardWindow),
		clock: time.Now,
		log:   logger.Named("session"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SessionID 返回会话标识。
func (m *Machine) SessionID() string {
	return m.state.SessionID
}

// AddMessage 校验并追加一条会话消息，随后尽力写入外部消息存储。
func (m *Machine) AddMessage(ctx context.Context, role Role, content string, metadata map[string]any) (Message, error) {
	if !IsValidRole(role) {
		return Message{}, xerrors.Wrap(CodeSessionValidation, ErrValidation, fmt.Sprintf("未知的消息角色: %s", role))
	}
	if strings.TrimSpace(content) == "" {
		return Message{}, xerrors.Wrap(CodeSessionValidation, ErrValidation, "消息内容不能为空")
	}

	m.mu.Lock()
	now := m.clock()
	if !m.guard.allow(now) {
		m.mu.Unlock()
		return Message{}, ErrStateUpdate
	}

	if count := len(m.state.Messages); count > 0 {
		last := m.state.Messages[count-1].Timestamp
		if !validate.MessageSequence([]time.Time{last, now}) {
			m.mu.Unlock()
			return Message{}, xerrors.Wrap(CodeSessionValidation, ErrValidation, "消息时间戳出现回退")
		}
	}

	msg := Message{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  cloneMetadata(metadata),
	}
	m.state.Messages = append(m.state.Messages, msg)
	m.state.LastUpdated = now
	record := MessageRecord{
		SessionID: m.state.SessionID,
		Role:      role,
		Content:   content,
		Metadata:  cloneMetadata(metadata),
		CreatedAt: now.Unix(),
	}
	m.mu.Unlock()

	m.persist(ctx, record)
	return cloneMessage(msg), nil
}

// persist 尽力写入消息存储，失败只记日志。
func (m *Machine) persist(ctx context.Context, record MessageRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.Append(ctx, record); err != nil {
		m.log.Warn("写入消息存储失败",
			slog.Any("error", err),
			slog.String("session_id", record.SessionID),
			slog.String("role", string(record.Role)),
		)
	}
}

// StartTask 开启一个新任务。当前任务处于 in_progress 时调用非法；
// failed 状态的任务经 failed → pending 重试边重新开始。
func (m *Machine) StartTask(description string) error {
	if strings.TrimSpace(description) == "" {
		return xerrors.Wrap(CodeSessionValidation, ErrValidation, "任务描述不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if !m.guard.allow(now) {
		return ErrStateUpdate
	}

	current := m.state.CurrentTaskStatus
	switch current {
	case "", TaskCompleted:
		// 没有任务或上一个任务已终态，从 pending 开始新任务。
	case TaskFailed:
		if !validate.TaskTransition(TaskFailed, TaskPending) {
			return xerrors.Wrap(CodeStateTransition, ErrStateTransition,
				fmt.Sprintf("任务无法从 %s 重试", current))
		}
	case TaskPending:
		// 已处于 pending，直接尝试进入 in_progress。
	default:
		return xerrors.Wrap(CodeStateTransition, ErrStateTransition,
			fmt.Sprintf("任务无法从 %s 开始", current))
	}
	if !validate.TaskTransition(TaskPending, TaskInProgress) {
		return xerrors.Wrap(CodeStateTransition, ErrStateTransition, "任务无法进入 in_progress")
	}

	m.state.CurrentTask = description
	m.state.CurrentTaskStatus = TaskInProgress
	m.state.LastUpdated = now
	logger.Audit().Info("任务开始",
		slog.String("session_id", m.state.SessionID),
		slog.String("task", description),
	)
	return nil
}

// CompleteTask 将当前任务标记为完成。
func (m *Machine) CompleteTask(result string) error {
	return m.finishTask(TaskCompleted, result)
}

// FailTask 将当前任务标记为失败，之后可经重试边重新开始。
func (m *Machine) FailTask(reason string) error {
	return m.finishTask(TaskFailed, reason)
}

func (m *Machine) finishTask(target TaskStatus, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if !m.guard.allow(now) {
		return ErrStateUpdate
	}
	if m.state.CurrentTask == "" {
		return ErrTaskMissing
	}
	current := m.state.CurrentTaskStatus
	if !validate.TaskTransition(current, target) {
		return xerrors.Wrap(CodeStateTransition, ErrStateTransition,
			fmt.Sprintf("任务无法从 %s 迁移到 %s", current, target))
	}

	m.state.CurrentTaskStatus = target
	m.state.LastUpdated = now
	logger.Audit().Info("任务状态更新",
		slog.String("session_id", m.state.SessionID),
		slog.String("task", m.state.CurrentTask),
		slog.String("status", string(target)),
		slog.String("detail", detail),
	)
	return nil
}

// UpdateAgentState 将补丁合并进指定智能体的子状态。补丁必须携带 status 字段。
func (m *Machine) UpdateAgentState(agentID string, patch map[string]any) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.Wrap(CodeSessionValidation, ErrValidation, "agent id 不能为空")
	}
	if !validate.AgentStatePatch(patch) {
		return xerrors.Wrap(CodeSessionValidation, ErrValidation, "子状态补丁缺少 status 字段")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if !m.guard.allow(now) {
		return ErrStateUpdate
	}

	if m.state.AgentStates == nil {
		m.state.AgentStates = make(map[string]map[string]any)
	}
	sub := m.state.AgentStates[agentID]
	if sub == nil {
		sub = make(map[string]any, len(patch))
		m.state.AgentStates[agentID] = sub
	}
	for key, value := range patch {
		sub[key] = value
	}
	m.state.LastUpdated = now
	return nil
}

// Snapshot 返回会话状态的深拷贝，供只读方使用。
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// Messages 返回消息日志的副本。
func (m *Machine) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.state.Messages))
	for i, msg := range m.state.Messages {
		out[i] = cloneMessage(msg)
	}
	return out
}

// CurrentTask 返回当前任务描述与状态。
func (m *Machine) CurrentTask() (string, TaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CurrentTask, m.state.CurrentTaskStatus
}

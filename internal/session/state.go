package session

import (
	"time"

	"AgentRelay/internal/validate"
)

// TaskStatus 复用校验器中的枚举，保证状态机与校验逻辑共享同一张迁移表。
type TaskStatus = validate.TaskStatus

const (
	TaskPending    = validate.TaskPending
	TaskInProgress = validate.TaskInProgress
	TaskCompleted  = validate.TaskCompleted
	TaskFailed     = validate.TaskFailed
)

// State 汇总一个会话的全部可变状态，由状态机独占持有。
type State struct {
	SessionID         string                    `json:"session_id"`
	Messages          []Message                 `json:"messages"`
	CurrentTask       string                    `json:"current_task,omitempty"`
	CurrentTaskStatus TaskStatus                `json:"current_task_status,omitempty"`
	AgentStates       map[string]map[string]any `json:"agent_states,omitempty"`
	LastUpdated       time.Time                 `json:"last_updated"`
}

func cloneState(s State) State {
	clone := s
	if len(s.Messages) > 0 {
		clone.Messages = make([]Message, len(s.Messages))
		for i, msg := range s.Messages {
			clone.Messages[i] = cloneMessage(msg)
		}
	}
	if s.AgentStates != nil {
		clone.AgentStates = make(map[string]map[string]any, len(s.AgentStates))
		for id, sub := range s.AgentStates {
			clone.AgentStates[id] = cloneMetadata(sub)
		}
	}
	return clone
}
